package flash

// Fake is a RAM-backed Memory with injectable read and write errors. It
// exists for tests that need to drive the store through medium failures
// without real hardware.
type Fake struct {
	buf         []byte
	sectorSize  uint32
	sectorCount int
	alignment   uint32

	readErrors  []*InjectedError
	writeErrors []*InjectedError
}

// ErasedByte is the erased-memory pattern of the fake medium, matching
// typical NOR flash.
const ErasedByte byte = 0xff

// NewFake creates a fake flash of sectorCount sectors of sectorSize
// bytes each, fully erased, with the given write alignment.
func NewFake(sectorSize uint32, sectorCount int, alignment uint32) *Fake {
	f := &Fake{
		buf:         make([]byte, int(sectorSize)*sectorCount),
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
		alignment:   alignment,
	}
	for i := range f.buf {
		f.buf[i] = ErasedByte
	}
	return f
}

// Buffer exposes the raw backing bytes so tests can pre-seed entries or
// corrupt specific addresses.
func (f *Fake) Buffer() []byte { return f.buf }

// InjectReadError arms an error for upcoming Read calls
func (f *Fake) InjectReadError(e *InjectedError) {
	f.readErrors = append(f.readErrors, e)
}

// InjectWriteError arms an error for upcoming Write calls
func (f *Fake) InjectWriteError(e *InjectedError) {
	f.writeErrors = append(f.writeErrors, e)
}

// ClearErrors disarms all injected errors
func (f *Fake) ClearErrors() {
	f.readErrors = nil
	f.writeErrors = nil
}

func (f *Fake) Read(addr uint32, out []byte) (int, error) {
	if int(addr)+len(out) > len(f.buf) {
		return 0, ErrOutOfRange
	}
	if err := fire(f.readErrors, addr, len(out)); err != nil {
		return 0, err
	}
	copy(out, f.buf[addr:int(addr)+len(out)])
	return len(out), nil
}

func (f *Fake) Write(addr uint32, data []byte) (int, error) {
	if addr%f.alignment != 0 || uint32(len(data))%f.alignment != 0 {
		return 0, ErrInvalidArgument
	}
	if int(addr)+len(data) > len(f.buf) {
		return 0, ErrOutOfRange
	}
	if err := fire(f.writeErrors, addr, len(data)); err != nil {
		return 0, err
	}
	copy(f.buf[addr:], data)
	return len(data), nil
}

func (f *Fake) Erase(addr uint32, numSectors int) error {
	if addr%f.sectorSize != 0 {
		return ErrInvalidArgument
	}
	end := int(addr) + numSectors*int(f.sectorSize)
	if end > len(f.buf) {
		return ErrOutOfRange
	}
	for i := int(addr); i < end; i++ {
		f.buf[i] = ErasedByte
	}
	return nil
}

func (f *Fake) SectorSizeBytes() uint32   { return f.sectorSize }
func (f *Fake) SectorCount() int          { return f.sectorCount }
func (f *Fake) AlignmentBytes() uint32    { return f.alignment }
func (f *Fake) ErasedMemoryContent() byte { return ErasedByte }

// InjectedError describes when a fake operation should fail. An
// unconditional error fires for a bounded number of operations,
// optionally after skipping the first few; a range error fires for every
// operation touching its address range.
type InjectedError struct {
	err    error
	count  int
	delay  int
	begin  uint32
	end    uint32
	ranged bool
}

// UnconditionalError fails the next count matching operations after
// skipping delay of them.
func UnconditionalError(err error, count, delay int) *InjectedError {
	return &InjectedError{err: err, count: count, delay: delay}
}

// RangeError fails every operation that touches [begin, begin+length).
func RangeError(err error, begin, length uint32) *InjectedError {
	return &InjectedError{err: err, count: -1, begin: begin, end: begin + length, ranged: true}
}

func (e *InjectedError) matches(addr uint32, length int) bool {
	if !e.ranged {
		return true
	}
	return addr < e.end && addr+uint32(length) > e.begin
}

func (e *InjectedError) fire(addr uint32, length int) error {
	if e.count == 0 || !e.matches(addr, length) {
		return nil
	}
	if e.delay > 0 {
		e.delay--
		return nil
	}
	if e.count > 0 {
		e.count--
	}
	return e.err
}

func fire(errs []*InjectedError, addr uint32, length int) error {
	for _, e := range errs {
		if err := e.fire(addr, length); err != nil {
			return err
		}
	}
	return nil
}
