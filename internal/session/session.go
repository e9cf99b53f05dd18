// Package session holds the state of one practice session: the current
// posture and emotion, the emotion history, failure counters and the
// lifecycle state. All mutation goes through a small API so the invariants
// live in one place.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/poise/internal/analysis"
	"github.com/andresmejia3/poise/internal/types"
	"github.com/google/uuid"
)

// State is the lifecycle state of the frame loop.
type State int

const (
	Initializing State = iota
	Ready
	Detecting
	Error
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Detecting:
		return "detecting"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Options tune a Session. Zero values take the defaults.
type Options struct {
	HistorySize        int
	SmoothingThreshold float64
	Now                func() time.Time
}

// Snapshot is an immutable copy of the session state.
type Snapshot struct {
	ID                string                        `json:"session_id"`
	State             string                        `json:"state"`
	Error             string                        `json:"error,omitempty"`
	Posture           *types.PostureClassification  `json:"posture,omitempty"`
	Emotion           *types.EmotionClassification  `json:"emotion,omitempty"`
	History           []types.EmotionClassification `json:"history"`
	FaceAvailable     bool                          `json:"face_available"`
	PoseModel         string                        `json:"pose_model,omitempty"`
	ConsecutiveErrors int                           `json:"consecutive_errors"`
	Detections        uint64                        `json:"detections"`
	LastUpdate        time.Time                     `json:"last_update"`
}

// Summary aggregates a whole session for persistence. It holds counts only.
type Summary struct {
	ID              string
	StartedAt       time.Time
	EndedAt         time.Time
	FinalState      State
	ErrorMessage    string
	Ticks           uint64
	PoseDetections  uint64
	FaceDetections  uint64
	Fallbacks       uint64
	Failures        uint64
	PostureCounts   map[string]int
	EmotionCounts   map[string]int
	DominantPosture string
	DominantEmotion string
}

// Session is safe for concurrent use; the scheduler is its only writer.
type Session struct {
	ID        string
	StartedAt time.Time

	now       func() time.Time
	smoothing float64

	mu            sync.Mutex
	state         State
	errMsg        string
	generation    uint64
	posture       *types.PostureClassification
	emotion       *types.EmotionClassification
	history       *analysis.History
	consecutive   int
	detections    uint64
	faceAvailable bool
	poseModel     string
	lastUpdate    time.Time

	ticks, poseOK, faceOK, fallbacks, failures uint64
	postureCounts                              map[types.PostureLabel]int
	emotionCounts                              map[types.EmotionLabel]int

	observers []*observer
}

type observer struct {
	fn func(Snapshot)
}

func New(opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SmoothingThreshold <= 0 {
		opts.SmoothingThreshold = analysis.DefaultSupermajority
	}
	return &Session{
		ID:            uuid.NewString(),
		StartedAt:     opts.Now(),
		now:           opts.Now,
		smoothing:     opts.SmoothingThreshold,
		history:       analysis.NewHistory(opts.HistorySize),
		postureCounts: map[types.PostureLabel]int{},
		emotionCounts: map[types.EmotionLabel]int{},
	}
}

// Begin starts a detection attempt and returns its generation. Results
// applied with an older generation are discarded.
func (s *Session) Begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.ticks++
	return s.generation
}

func (s *Session) current(gen uint64) bool {
	return gen == s.generation && s.state != Error
}

// ApplyPoseResult publishes a posture and clears the failure streak.
func (s *Session) ApplyPoseResult(gen uint64, p types.PostureClassification) bool {
	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		return false
	}
	s.posture = &p
	s.consecutive = 0
	s.poseOK++
	s.postureCounts[p.Label]++
	s.lastUpdate = s.now()
	s.mu.Unlock()

	s.notify()
	return true
}

// ApplyEmotionResult smooths raw against the history as it was before this
// sample, records raw in the history, and publishes the smoothed value.
func (s *Session) ApplyEmotionResult(gen uint64, raw types.EmotionClassification) (types.EmotionClassification, bool) {
	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		return types.EmotionClassification{}, false
	}
	prior := s.history.Items()
	s.history.Push(raw)
	smoothed := analysis.SmoothWith(raw, prior, s.smoothing)

	s.emotion = &smoothed
	s.consecutive = 0
	s.faceOK++
	s.emotionCounts[smoothed.Label]++
	s.lastUpdate = s.now()
	s.mu.Unlock()

	s.notify()
	return smoothed, true
}

// ApplyFallbackEmotion publishes a placeholder emotion. The history is left
// alone and the failure streak is not touched.
func (s *Session) ApplyFallbackEmotion(gen uint64, e types.EmotionClassification) bool {
	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		return false
	}
	e.Fallback = true
	s.emotion = &e
	s.fallbacks++
	s.emotionCounts[e.Label]++
	s.lastUpdate = s.now()
	s.mu.Unlock()

	s.notify()
	return true
}

// RecordFailure counts a timeout or detector error and returns the streak.
func (s *Session) RecordFailure(gen uint64) int {
	s.mu.Lock()
	if !s.current(gen) {
		n := s.consecutive
		s.mu.Unlock()
		return n
	}
	s.consecutive++
	s.failures++
	n := s.consecutive
	s.mu.Unlock()

	s.notify()
	return n
}

// CompleteTick advances the detection counter.
func (s *Session) CompleteTick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detections++
	return s.detections
}

func (s *Session) Detections() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detections
}

func (s *Session) ConsecutiveErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutive
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState moves between the non-error states.
func (s *Session) SetState(st State) {
	s.mu.Lock()
	if s.state == st || st == Error {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.notify()
}

// TransitionToError enters Error with a user-facing message and invalidates
// any attempt still in flight.
func (s *Session) TransitionToError(msg string) {
	s.mu.Lock()
	s.state = Error
	s.errMsg = msg
	s.generation++
	s.mu.Unlock()
	s.notify()
}

// Reset clears everything a retry starts over with. Aggregate counters
// survive so the summary covers the whole session.
func (s *Session) Reset() {
	s.mu.Lock()
	s.state = Initializing
	s.errMsg = ""
	s.generation++
	s.posture = nil
	s.emotion = nil
	s.history.Reset()
	s.consecutive = 0
	s.detections = 0
	s.faceAvailable = false
	s.poseModel = ""
	s.mu.Unlock()
	s.notify()
}

func (s *Session) SetDetectors(poseModel string, faceAvailable bool) {
	s.mu.Lock()
	s.poseModel = poseModel
	s.faceAvailable = faceAvailable
	s.mu.Unlock()
	s.notify()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:                s.ID,
		State:             s.state.String(),
		Error:             s.errMsg,
		History:           s.history.Items(),
		FaceAvailable:     s.faceAvailable,
		PoseModel:         s.poseModel,
		ConsecutiveErrors: s.consecutive,
		Detections:        s.detections,
		LastUpdate:        s.lastUpdate,
	}
	if s.posture != nil {
		p := *s.posture
		snap.Posture = &p
	}
	if s.emotion != nil {
		e := *s.emotion
		snap.Emotion = &e
	}
	return snap
}

// Subscribe registers fn to receive a snapshot after every change. fn runs
// on the writer's goroutine and must not block.
func (s *Session) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	o := &observer{fn: fn}
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, cur := range s.observers {
			if cur == o {
				s.observers = append(s.observers[:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

func (s *Session) notify() {
	s.mu.Lock()
	if len(s.observers) == 0 {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	obs := append([]*observer(nil), s.observers...)
	s.mu.Unlock()

	for _, o := range obs {
		o.fn(snap)
	}
}

// Summary aggregates the session so far.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		ID:             s.ID,
		StartedAt:      s.StartedAt,
		EndedAt:        s.now(),
		FinalState:     s.state,
		ErrorMessage:   s.errMsg,
		Ticks:          s.ticks,
		PoseDetections: s.poseOK,
		FaceDetections: s.faceOK,
		Fallbacks:      s.fallbacks,
		Failures:       s.failures,
		PostureCounts:  map[string]int{},
		EmotionCounts:  map[string]int{},
	}
	for l, n := range s.postureCounts {
		sum.PostureCounts[string(l)] = n
	}
	for l, n := range s.emotionCounts {
		sum.EmotionCounts[string(l)] = n
	}
	sum.DominantPosture = dominant(sum.PostureCounts)
	sum.DominantEmotion = dominant(sum.EmotionCounts)
	return sum
}

// dominant returns the most frequent key; ties go to the alphabetically
// first label so the result is stable.
func dominant(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best, bestN := "", 0
	for _, k := range keys {
		if counts[k] > bestN {
			best, bestN = k, counts[k]
		}
	}
	return best
}
