package nvdec

import "testing"

func TestPacketPoolResetsOnGet(t *testing.T) {
	pool := NewPacketPool()

	pkt := pool.Get()
	pkt.Data = append(pkt.Data, 1, 2, 3)
	pkt.PTS = 42
	pkt.HasPTS = true
	pkt.Duration = 100
	pool.Put(pkt)

	got := pool.Get()
	if len(got.Data) != 0 {
		t.Errorf("recycled packet kept %d data bytes", len(got.Data))
	}
	if got.PTS != 0 || got.HasPTS || got.Duration != 0 {
		t.Errorf("recycled packet kept timestamps: %+v", got)
	}
}

func TestPacketPoolPutNil(t *testing.T) {
	pool := NewPacketPool()
	pool.Put(nil)
	if pkt := pool.Get(); pkt == nil {
		t.Fatal("Get returned nil")
	}
}
