package audio

import (
	"context"
	"errors"
	"io"

	"github.com/voxlocal/kokorod/internal/engine"
)

// ErrNoAudio means the pipeline's segment stream ended without producing a
// single segment. Empty input text is rejected before a pipeline is ever
// invoked, so this indicates a pipeline anomaly, not bad input.
var ErrNoAudio = errors.New("synthesis produced no audio segments")

// Aggregate materializes a segment stream into one waveform. A single
// segment is returned as-is, sample for sample; multiple segments are
// concatenated in emission order, which follows the text-splitting order of
// sequential spoken spans.
func Aggregate(stream engine.SegmentStream) ([]float32, error) {
	defer stream.Close()
	var (
		first *engine.Segment
		out   []float32
		n     int
	)
	for {
		seg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		n++
		switch n {
		case 1:
			first = seg
		case 2:
			out = make([]float32, 0, len(first.Samples)+len(seg.Samples))
			out = append(out, first.Samples...)
			out = append(out, seg.Samples...)
		default:
			out = append(out, seg.Samples...)
		}
	}
	switch n {
	case 0:
		return nil, ErrNoAudio
	case 1:
		return first.Samples, nil
	default:
		return out, nil
	}
}

// StreamPCM consumes a segment stream and emits one PCM16LE frame per
// segment, in order, as soon as each segment is ready. There is no
// look-ahead buffering: the first frame leaves before the second segment is
// synthesized, trading total latency for time-to-first-audio. Returns
// ErrNoAudio if the stream ends without a segment, and stops as soon as ctx
// is cancelled or emit fails.
func StreamPCM(ctx context.Context, stream engine.SegmentStream, emit func([]byte) error) error {
	// Close releases the pipeline when the consumer stops early (cancel or
	// emit failure); without it a disconnected client leaves the pipeline
	// mid-conversation.
	defer stream.Close()
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		seg, err := stream.Recv()
		if err == io.EOF {
			if n == 0 {
				return ErrNoAudio
			}
			return nil
		}
		if err != nil {
			return err
		}
		n++
		if err := emit(PCM16LE(seg.Samples)); err != nil {
			return err
		}
	}
}
