package sidechannel

import "time"

// FrameSource is the minimal read side Tick needs: a transport.Transport
// over the control link satisfies it.
type FrameSource interface {
	RecvFrame(out []byte) int
}

// Tick drains at most TickByteBudget bytes' worth of frames (approximated
// by frame size, since the budgeted quantity in the spec is raw UART bytes
// and RecvFrame already hides the byte-level SLIP reassembly) from src,
// dispatching each complete frame to HandleFrame, and stops early once the
// byte budget or TickTimeBudget is exhausted. It never blocks: RecvFrame
// returns 0 immediately when nothing is ready.
func (s *Service) Tick(src FrameSource) {
	var buf [headerSize + MaxPayload + crcSize + hmacSize]byte
	deadline := time.Now().Add(TickTimeBudget)
	consumed := 0
	for consumed < TickByteBudget && time.Now().Before(deadline) {
		n := src.RecvFrame(buf[:])
		if n == 0 {
			return
		}
		consumed += n
		s.HandleFrame(buf[:n])
	}
}
