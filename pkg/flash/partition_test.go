package flash

import (
	"bytes"
	"errors"
	"testing"
)

func TestPartitionFill(t *testing.T) {
	fake := NewFake(512, 4, 16)
	p := NewPartition(fake)

	if err := p.EraseAll(); err != nil {
		t.Fatalf("EraseAll failed: %v", err)
	}

	// Fill the partition sector by sector in alignment-sized chunks, then
	// read everything back.
	for _, fill := range []byte{0x00, 0xff, 0x55, 0xaa} {
		chunk := make([]byte, p.AlignmentBytes())
		for i := range chunk {
			chunk[i] = fill
		}

		if err := p.EraseAll(); err != nil {
			t.Fatalf("EraseAll failed: %v", err)
		}

		for addr := uint32(0); addr < p.SizeBytes(); addr += p.AlignmentBytes() {
			n, err := p.Write(addr, chunk)
			if err != nil {
				t.Fatalf("Write at %d failed: %v", addr, err)
			}
			if n != len(chunk) {
				t.Fatalf("Write at %d wrote %d bytes, want %d", addr, n, len(chunk))
			}
		}

		got := make([]byte, p.AlignmentBytes())
		for addr := uint32(0); addr < p.SizeBytes(); addr += p.AlignmentBytes() {
			if _, err := p.Read(addr, got); err != nil {
				t.Fatalf("Read at %d failed: %v", addr, err)
			}
			if !bytes.Equal(got, chunk) {
				t.Fatalf("Read at %d = %x, want fill %#02x", addr, got, fill)
			}
		}
	}
}

func TestPartitionWriteAlignment(t *testing.T) {
	fake := NewFake(512, 4, 1)
	p, err := NewSubPartition(fake, 0, 4, 16, false)
	if err != nil {
		t.Fatalf("NewSubPartition failed: %v", err)
	}

	if _, err := p.Write(8, make([]byte, 16)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("misaligned address: got %v, want ErrInvalidArgument", err)
	}
	if _, err := p.Write(0, make([]byte, 10)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("misaligned length: got %v, want ErrInvalidArgument", err)
	}
	if _, err := p.Write(0, make([]byte, 16)); err != nil {
		t.Errorf("aligned write failed: %v", err)
	}
}

func TestPartitionBounds(t *testing.T) {
	fake := NewFake(512, 4, 16)
	p := NewPartition(fake)

	buf := make([]byte, 32)
	if _, err := p.Read(p.SizeBytes()-16, buf); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("read past end: got %v, want ErrOutOfRange", err)
	}
	if _, err := p.Write(p.SizeBytes(), buf); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("write past end: got %v, want ErrOutOfRange", err)
	}
	if err := p.Erase(p.SizeBytes()-512, 2); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("erase past end: got %v, want ErrOutOfRange", err)
	}
}

func TestPartitionReadOnly(t *testing.T) {
	fake := NewFake(512, 4, 16)
	p, err := NewSubPartition(fake, 0, 4, 16, true)
	if err != nil {
		t.Fatalf("NewSubPartition failed: %v", err)
	}

	if _, err := p.Write(0, make([]byte, 16)); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("write on read-only: got %v, want ErrPermissionDenied", err)
	}
	if err := p.Erase(0, 1); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("erase on read-only: got %v, want ErrPermissionDenied", err)
	}
	if _, err := p.Read(0, make([]byte, 16)); err != nil {
		t.Errorf("read on read-only failed: %v", err)
	}
}

func TestSubPartitionOffset(t *testing.T) {
	fake := NewFake(512, 4, 16)
	p, err := NewSubPartition(fake, 2, 2, 16, false)
	if err != nil {
		t.Fatalf("NewSubPartition failed: %v", err)
	}

	if p.SizeBytes() != 1024 {
		t.Fatalf("SizeBytes = %d, want 1024", p.SizeBytes())
	}

	data := make([]byte, 16)
	for i := range data {
		data[i] = 0x5a
	}
	if _, err := p.Write(0, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Partition address 0 maps to flash sector 2.
	if fake.Buffer()[1024] != 0x5a {
		t.Errorf("sub-partition write did not land at flash offset 1024")
	}
	if fake.Buffer()[0] != ErasedByte {
		t.Errorf("sub-partition write touched sector 0")
	}
}

func TestIsRegionErased(t *testing.T) {
	fake := NewFake(512, 4, 16)
	p := NewPartition(fake)

	erased, err := p.IsRegionErased(0, 512)
	if err != nil {
		t.Fatalf("IsRegionErased failed: %v", err)
	}
	if !erased {
		t.Errorf("fresh sector should be erased")
	}

	if _, err := p.Write(64, bytes.Repeat([]byte{0}, 16)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	erased, err = p.IsRegionErased(0, 512)
	if err != nil {
		t.Fatalf("IsRegionErased failed: %v", err)
	}
	if erased {
		t.Errorf("sector with data should not report erased")
	}

	// Length must be alignment-multiple.
	if _, err := p.IsRegionErased(0, 10); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unaligned length: got %v, want ErrInvalidArgument", err)
	}
}

func TestFakeErrorInjection(t *testing.T) {
	fake := NewFake(512, 4, 16)
	p := NewPartition(fake)

	fake.InjectWriteError(UnconditionalError(ErrUnavailable, 1, 0))

	if _, err := p.Write(0, make([]byte, 16)); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("first write: got %v, want ErrUnavailable", err)
	}
	if _, err := p.Write(0, make([]byte, 16)); err != nil {
		t.Fatalf("second write should succeed after error consumed: %v", err)
	}

	// Delayed error skips the first matching operations.
	fake.ClearErrors()
	fake.InjectReadError(UnconditionalError(ErrInternal, 1, 2))

	buf := make([]byte, 16)
	for i := 0; i < 2; i++ {
		if _, err := p.Read(0, buf); err != nil {
			t.Fatalf("read %d should be delayed past: %v", i, err)
		}
	}
	if _, err := p.Read(0, buf); !errors.Is(err, ErrInternal) {
		t.Fatalf("third read: got %v, want ErrInternal", err)
	}
}

func TestFakeRangeError(t *testing.T) {
	fake := NewFake(512, 4, 16)
	p := NewPartition(fake)

	fake.InjectReadError(RangeError(ErrUnauthenticated, 0, 32))

	buf := make([]byte, 16)
	if _, err := p.Read(16, buf); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("read inside range: got %v, want ErrUnauthenticated", err)
	}
	if _, err := p.Read(32, buf); err != nil {
		t.Errorf("read outside range failed: %v", err)
	}
	// Range errors persist across calls.
	if _, err := p.Read(0, buf); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("repeat read inside range: got %v, want ErrUnauthenticated", err)
	}
}
