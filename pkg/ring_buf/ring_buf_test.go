package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingBuf(t *testing.T) {
	t.Run("supports push/empty/pop", func(t *testing.T) {
		r := require.New(t)

		rb := NewRingBuf[int](10)
		r.True(rb.IsEmpty())

		r.True(rb.Push(1))
		r.False(rb.IsEmpty())

		v, ok := rb.Pop()
		r.True(ok)

		r.Equal(1, v)
		r.True(rb.IsEmpty())

		r.True(rb.Push(2))
		r.False(rb.IsEmpty())

		r.Equal(1, rb.Len())
	})

	t.Run("can fill up", func(t *testing.T) {
		r := require.New(t)

		rb := NewRingBuf[int](3)
		r.True(rb.IsEmpty())
		r.False(rb.IsFull())

		rb.Push(1)
		r.False(rb.IsEmpty())
		r.False(rb.IsFull())

		rb.Push(2)
		r.False(rb.IsEmpty())
		r.True(rb.IsFull())
	})

	t.Run("rejects a push once full, without losing queued data", func(t *testing.T) {
		r := require.New(t)

		rb := NewRingBuf[int](3)
		rb.Push(1)
		rb.Push(2)
		r.True(rb.IsFull())

		r.False(rb.Push(3))
		r.Equal(2, rb.Len())

		v, ok := rb.Pop()
		r.True(ok)
		r.Equal(1, v)
		r.True(rb.Push(3))
	})

	t.Run("loops around the ring", func(t *testing.T) {
		r := require.New(t)

		rb := NewRingBuf[int](5)
		r.True(rb.IsEmpty())

		r.True(rb.Push(1))
		r.True(rb.Push(2))
		r.True(rb.Push(3))
		r.True(rb.Push(4))
		r.False(rb.IsEmpty())

		_, ok := rb.Pop()
		r.True(ok)

		_, ok = rb.Pop()
		r.True(ok)

		r.False(rb.IsFull())
		r.True(rb.Push(5))
		r.True(rb.Push(6))

		r.True(rb.IsFull())

		r.Equal(4, rb.Len())

		r.Equal(int32(2), rb.read.Load())
		r.Equal(int32(1), rb.write.Load())

		_, ok = rb.Pop()
		r.True(ok)

		_, ok = rb.Pop()
		r.True(ok)

		f, ok := rb.Pop()
		r.True(ok)
		r.Equal(5, f)

		s, ok := rb.Pop()
		r.True(ok)
		r.Equal(6, s)

		r.Equal(int32(1), rb.read.Load())
	})
}
