package pipeline

import "log/slog"

// DecodeFunc receives an utterance hypothesis request from the segmenter.
// buffer is valid only for the duration of the call.
type DecodeFunc func(buffer []float32, segmentIndex int, startSample int64, final bool, avgProb float64, partialSeq int)

// SegmenterConfig carries the state-machine knobs, already converted from
// milliseconds to sample counts and clamped by the config layer.
type SegmenterConfig struct {
	StartThreshold float32
	StopThreshold  float32

	MinSegmentSamples  int
	MaxSegmentSamples  int
	MinSilenceSamples  int
	PrePaddingSamples  int
	PostPaddingSamples int

	// PartialsEnabled gates intermediate hypotheses; StepSamples is the
	// minimum growth between consecutive partials.
	PartialsEnabled bool
	StepSamples     int
}

// Segmenter is the utterance state machine. It consumes (frame, probability)
// pairs in timeline order and drives the decode callback for partial and
// final emissions. Confined to the pipeline goroutine.
type Segmenter struct {
	cfg    SegmenterConfig
	decode DecodeFunc

	active  bool
	preRoll []float32
	buffer  []float32

	segmentIndex          int
	startSample           int64
	lastVoiceSample       int64
	probSum               float64
	probCount             int
	partialSeq            int
	lastPartialEmitSample int64

	total     int64
	discarded int64
}

// NewSegmenter returns an inactive segmenter with a zero timeline.
func NewSegmenter(cfg SegmenterConfig, decode DecodeFunc) *Segmenter {
	return &Segmenter{cfg: cfg, decode: decode}
}

// Total returns the number of samples processed since the last Reset.
func (s *Segmenter) Total() int64 { return s.total }

// Discarded returns the count of flushed utterances dropped for being
// shorter than the minimum segment length.
func (s *Segmenter) Discarded() int64 { return s.discarded }

// ProcessFrame advances the state machine by one VAD frame.
func (s *Segmenter) ProcessFrame(frame []float32, prob float32) {
	s.total += int64(len(frame))
	totalAfter := s.total

	if !s.active {
		if prob >= s.cfg.StartThreshold {
			s.activate(frame, prob, totalAfter)
		} else {
			s.preRoll = append(s.preRoll, frame...)
			if over := len(s.preRoll) - s.cfg.PrePaddingSamples; over > 0 {
				s.preRoll = append(s.preRoll[:0], s.preRoll[over:]...)
			}
		}
		return
	}

	s.buffer = append(s.buffer, frame...)
	s.probSum += float64(prob)
	s.probCount++
	if prob >= s.cfg.StopThreshold {
		s.lastVoiceSample = totalAfter
	}

	segmentSamples := totalAfter - s.startSample
	silenceSamples := totalAfter - s.lastVoiceSample

	switch {
	case segmentSamples >= int64(s.cfg.MaxSegmentSamples):
		s.flush(true)

	case silenceSamples >= int64(s.cfg.MinSilenceSamples) && silenceSamples >= int64(s.cfg.PostPaddingSamples):
		s.flush(false)

	case s.cfg.PartialsEnabled && len(s.buffer) >= s.cfg.MinSegmentSamples:
		bufferEnd := s.startSample + int64(len(s.buffer))
		if bufferEnd-s.lastPartialEmitSample >= int64(s.cfg.StepSamples) {
			s.decode(s.buffer, s.segmentIndex, s.startSample, false, s.avgProb(), s.partialSeq)
			s.lastPartialEmitSample = bufferEnd
			s.partialSeq++
		}
	}
}

func (s *Segmenter) activate(frame []float32, prob float32, totalAfter int64) {
	s.buffer = s.buffer[:0]
	s.buffer = append(s.buffer, s.preRoll...)
	s.buffer = append(s.buffer, frame...)

	start := totalAfter - int64(len(s.preRoll)) - int64(len(frame))
	if start < 0 {
		start = 0
	}
	s.startSample = start
	s.preRoll = s.preRoll[:0]

	s.lastVoiceSample = totalAfter
	s.probSum = float64(prob)
	s.probCount = 1
	s.partialSeq = 0
	s.lastPartialEmitSample = start
	s.active = true
}

// ForceFlush terminates any active utterance, keeping the whole buffer. Used
// at end of input in the offline and stdin modes.
func (s *Segmenter) ForceFlush() {
	if s.active {
		s.flush(true)
	}
}

// flush closes the active utterance. Forced flushes keep the entire buffer;
// natural flushes keep up to last voice plus post-padding and route the
// leftover into pre-roll.
func (s *Segmenter) flush(forced bool) {
	keep := len(s.buffer)
	if !forced {
		wantedEnd := s.lastVoiceSample + int64(s.cfg.PostPaddingSamples)
		if wantedEnd < s.startSample {
			wantedEnd = s.startSample
		}
		keep = int(wantedEnd - s.startSample)
		if keep > len(s.buffer) {
			keep = len(s.buffer)
		}
	}

	if keep >= s.cfg.MinSegmentSamples {
		s.decode(s.buffer[:keep], s.segmentIndex, s.startSample, true, s.avgProb(), s.partialSeq)
	} else {
		s.discarded++
		slog.Debug("segmenter: discarding short utterance",
			"segment_index", s.segmentIndex,
			"kept_samples", keep,
			"min_samples", s.cfg.MinSegmentSamples,
		)
	}

	// Leftover past the keep boundary seeds the next pre-roll. It may be
	// voiced, in which case the next frame re-activates immediately.
	s.preRoll = s.preRoll[:0]
	if keep < len(s.buffer) {
		leftover := s.buffer[keep:]
		if over := len(leftover) - s.cfg.PrePaddingSamples; over > 0 {
			leftover = leftover[over:]
		}
		s.preRoll = append(s.preRoll, leftover...)
	}

	s.segmentIndex++
	s.startSample = s.total
	s.buffer = s.buffer[:0]
	s.probSum = 0
	s.probCount = 0
	s.partialSeq = 0
	s.lastPartialEmitSample = 0
	s.active = false
}

func (s *Segmenter) avgProb() float64 {
	if s.probCount == 0 {
		return 0
	}
	return s.probSum / float64(s.probCount)
}

// Reset clears all per-stream state between jobs. The segment index keeps
// counting across jobs so indices stay unique for the process lifetime.
func (s *Segmenter) Reset() {
	s.active = false
	s.preRoll = s.preRoll[:0]
	s.buffer = s.buffer[:0]
	s.startSample = 0
	s.lastVoiceSample = 0
	s.probSum = 0
	s.probCount = 0
	s.partialSeq = 0
	s.lastPartialEmitSample = 0
	s.total = 0
}
