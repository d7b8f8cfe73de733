package queue

import "testing"

func TestGetBuffer_SizeBuckets(t *testing.T) {
	tests := []struct {
		name        string
		requestSize uint32
		expectCap   int
	}{
		{"2KB bucket - exact", 2 * 1024, 2 * 1024},
		{"2KB bucket - smaller", 1500, 2 * 1024},
		{"4KB bucket - exact", 4 * 1024, 4 * 1024},
		{"4KB bucket - smaller", 3 * 1024, 4 * 1024},
		{"8KB bucket - exact", 8 * 1024, 8 * 1024},
		{"8KB bucket - smaller", 6 * 1024, 8 * 1024},
		{"16KB bucket - exact", 16 * 1024, 16 * 1024},
		{"16KB bucket - smaller", 12 * 1024, 16 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := GetBuffer(tt.requestSize)
			if len(buf) != int(tt.requestSize) {
				t.Errorf("GetBuffer(%d) returned len=%d, want %d", tt.requestSize, len(buf), tt.requestSize)
			}
			if cap(buf) != tt.expectCap {
				t.Errorf("GetBuffer(%d) returned cap=%d, want %d", tt.requestSize, cap(buf), tt.expectCap)
			}
			PutBuffer(buf)
		})
	}
}

func TestBufferPool_Reuse(t *testing.T) {
	buf1 := GetBuffer(2 * 1024)
	ptr1 := &buf1[0]
	PutBuffer(buf1)

	buf2 := GetBuffer(2 * 1024)
	ptr2 := &buf2[0]
	PutBuffer(buf2)

	// sync.Pool may or may not reuse immediately; this just verifies
	// the basic pooling mechanism doesn't corrupt anything.
	if ptr1 == ptr2 {
		t.Log("buffer was reused from pool")
	} else {
		t.Log("buffer was not reused (sync.Pool GC behavior)")
	}
}

func TestPutBuffer_NonStandardCap(t *testing.T) {
	buf := make([]byte, 3000) // not a standard bucket
	PutBuffer(buf)            // must not panic
}

func BenchmarkGetBuffer_2KB(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := GetBuffer(2 * 1024)
		PutBuffer(buf)
	}
}

func BenchmarkGetBuffer_16KB(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := GetBuffer(16 * 1024)
		PutBuffer(buf)
	}
}

func BenchmarkMakeBuffer_2KB(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = make([]byte, 2*1024)
	}
}
