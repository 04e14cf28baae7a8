package radio

import (
	"sync"
	"time"
)

// LoopbackRadio is an in-memory radio for tests and bench rigs. Radios
// joined to the same LoopbackNet hear each other's frames when their
// sync words match, mimicking the network-discriminator filter.
type LoopbackRadio struct {
	net    *LoopbackNet
	frames chan Frame

	mu        sync.Mutex
	syncWord  byte
	busy      bool
	framesRX  uint64
	framesTX  uint64
	badFrames uint64
	lastRX    time.Time
}

// LoopbackNet is the shared medium. Duplicate controls RF-echo
// simulation: each transmitted frame is delivered Duplicate+1 times.
type LoopbackNet struct {
	mu        sync.Mutex
	radios    []*LoopbackRadio
	Duplicate int
}

// NewLoopbackNet creates an empty medium.
func NewLoopbackNet() *LoopbackNet {
	return &LoopbackNet{}
}

// Join creates a radio attached to the net, listening on sync.
func (n *LoopbackNet) Join(sync byte) *LoopbackRadio {
	r := &LoopbackRadio{
		net:      n,
		frames:   make(chan Frame, 64),
		syncWord: sync,
	}
	n.mu.Lock()
	n.radios = append(n.radios, r)
	n.mu.Unlock()
	return r
}

// SetBusy makes subsequent Sends fail with ErrRadioBusy.
func (r *LoopbackRadio) SetBusy(busy bool) {
	r.mu.Lock()
	r.busy = busy
	r.mu.Unlock()
}

func (r *LoopbackRadio) Send(frame []byte) error {
	r.mu.Lock()
	if r.busy {
		r.mu.Unlock()
		return ErrRadioBusy
	}
	r.framesTX++
	sync := r.syncWord
	r.mu.Unlock()

	r.net.mu.Lock()
	peers := append([]*LoopbackRadio(nil), r.net.radios...)
	copies := r.net.Duplicate + 1
	r.net.mu.Unlock()

	for _, p := range peers {
		if p == r {
			continue
		}
		for i := 0; i < copies; i++ {
			p.deliver(frame, sync)
		}
	}
	return nil
}

func (r *LoopbackRadio) deliver(raw []byte, sync byte) {
	r.mu.Lock()
	match := r.syncWord == sync
	r.mu.Unlock()
	if !match {
		return
	}

	frame, err := Decode(raw)
	if err != nil {
		r.mu.Lock()
		r.badFrames++
		r.mu.Unlock()
		return
	}
	frame.Received = time.Now().UTC()

	r.mu.Lock()
	r.framesRX++
	r.lastRX = frame.Received
	r.mu.Unlock()

	select {
	case r.frames <- frame:
	default:
		// Full buffer behaves like a deaf receiver.
	}
}

func (r *LoopbackRadio) Frames() <-chan Frame { return r.frames }

func (r *LoopbackRadio) SetSyncWord(sync byte) error {
	r.mu.Lock()
	r.syncWord = sync
	r.mu.Unlock()
	return nil
}

func (r *LoopbackRadio) LinkQuality() Quality {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Quality{
		LastRX:    r.lastRX,
		FramesRX:  r.framesRX,
		FramesTX:  r.framesTX,
		BadFrames: r.badFrames,
	}
}

func (r *LoopbackRadio) Close() error { return nil }
