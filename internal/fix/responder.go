package fix

import (
	"fmt"
	"log/slog"

	"fix_provider/internal/infra"

	"github.com/quickfixgo/quickfix"
)

// Reconstructor rebuilds an application message from current order state.
// ok is false when the archived message has no live counterpart.
type Reconstructor interface {
	Reconstruct(archived *Message) (qm *quickfix.Message, ok bool)
}

// Responder answers resend requests from the outbound archive.
type Responder struct {
	factory *Factory
	history History
	recon   Reconstructor
	log     *slog.Logger
}

// NewResponder creates a responder. recon may be nil, in which case archived
// application messages are replayed verbatim.
func NewResponder(factory *Factory, history History, recon Reconstructor, log *slog.Logger) *Responder {
	return &Responder{factory: factory, history: history, recon: recon, log: log}
}

// Respond returns the frames answering a resend request for rng. Each
// sequence is covered by a reconstructed order, the archived message
// flagged PossDup, or a gap fill; adjacent gap fills are coalesced.
func (r *Responder) Respond(rng SeqRange) ([][]byte, error) {
	last := r.factory.NextSeq() - 1
	end := rng.End
	if end == 0 || end > last {
		end = last
	}
	if rng.Begin < 1 || rng.Begin > end {
		return nil, nil
	}

	var frames [][]byte
	gapStart := 0
	flush := func(next int) {
		if gapStart == 0 {
			return
		}
		frames = append(frames, r.factory.GapFill(gapStart, next))
		infra.GapFills.Inc()
		gapStart = 0
	}

	for seq := rng.Begin; seq <= end; seq++ {
		qm, orig, err := r.recover(seq)
		if err != nil {
			return nil, err
		}
		if qm == nil {
			if gapStart == 0 {
				gapStart = seq
			}
			continue
		}
		flush(seq)
		frames = append(frames, r.factory.Resend(qm, seq, orig.SendingTime))
	}
	flush(end + 1)

	r.log.Info("Resend request answered",
		slog.Int("begin", rng.Begin),
		slog.Int("end", end),
		slog.Int("frames", len(frames)))
	return frames, nil
}

// recover returns the message to resend for seq, or nil if it must be gap filled.
func (r *Responder) recover(seq int) (*quickfix.Message, *Message, error) {
	e, ok, err := r.history.Get(seq)
	if err != nil {
		return nil, nil, fmt.Errorf("history seq %d: %w", seq, err)
	}
	if !ok || IsAdmin(e.MsgType) {
		return nil, nil, nil
	}
	archived, err := Parse(e.Raw)
	if err != nil {
		r.log.Warn("Archived message unreadable, gap filling", slog.Int("seq", seq), slog.Any("error", err))
		return nil, nil, nil
	}
	if r.recon != nil {
		if qm, ok := r.recon.Reconstruct(archived); ok {
			return qm, archived, nil
		}
	}
	return Rebuild(archived.Msg), archived, nil
}
