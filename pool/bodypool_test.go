package pool

import "testing"

func TestBodyPool_ReuseAfterReset(t *testing.T) {
	p := NewBodyPool()

	buf := p.Get()
	buf.WriteString("stale data")
	PutBody(p, buf)

	buf2 := p.Get()
	if buf2.Len() != 0 {
		t.Errorf("pooled buffer not reset: Len() = %d", buf2.Len())
	}
}
