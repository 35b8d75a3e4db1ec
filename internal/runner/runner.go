package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrEmptySource         = errors.New("no code to run")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrNoSession           = errors.New("no active process")
	ErrStdinUnsupported    = errors.New("this runner does not accept input while running")
	ErrInputBusy           = errors.New("input buffer full")
	ErrClosed              = errors.New("runner is shut down")
)

// Request is what a participant submits to run.
type Request struct {
	Language string `json:"language"`
	Source   string `json:"code"`
	Stdin    string `json:"input"`
}

// Response is the result of a batch run.
type Response struct {
	Output   string `json:"output"`
	Status   string `json:"status"`
	ExitCode int    `json:"exitCode"`
}

const (
	StatusOK            = "ok"
	StatusCompileError  = "compile_error"
	StatusRuntimeError  = "runtime_error"
	StatusTimeout       = "timeout"
	StatusInternalError = "error"
)

// Output is one event produced by a room's execution session. Chunks stream
// in order; the last event of a session has Done set.
type Output struct {
	Generation uint64
	Chunk      string
	Done       bool
	ExitCode   *int
}

// Sink receives session output. Implementations must not call back into
// the Bridge synchronously.
type Sink interface {
	RunOutput(roomID string, out Output)
}

// Phase is the state of a room's execution session.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseCompiling
	PhaseRunning
)

func (p Phase) String() string {
	switch p {
	case PhaseCompiling:
		return "compiling"
	case PhaseRunning:
		return "running"
	default:
		return "idle"
	}
}

// Job is a single execution handed to a Backend.
type Job struct {
	Request
	Language Language

	// Input delivers forwarded stdin lines. Nil for batch runs, in which
	// case the backend closes stdin after writing Request.Stdin.
	Input <-chan string

	// Emit streams output as it is produced.
	Emit func(chunk string)

	// Phase reports compile/run transitions. May be nil.
	Phase func(Phase)
}

func (j *Job) enter(p Phase) {
	if j.Phase != nil {
		j.Phase(p)
	}
}

// CompileError is returned by a Backend when the compile step fails.
type CompileError struct {
	Output string
}

func (e *CompileError) Error() string {
	return "compilation failed"
}

// Backend executes one job to completion. Cancelling ctx must terminate the
// job forcefully.
type Backend interface {
	Execute(ctx context.Context, job *Job) (exitCode int, err error)

	// Interactive reports whether Job.Input is honoured.
	Interactive() bool
}

type session struct {
	roomID string
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
	input  chan string
	phase  atomic.Int32
}

// Bridge owns at most one execution session per room. Starting a run
// preempts the previous one: the old process is killed and confirmed dead
// before the new one is spawned, and anything the old process still emits
// is discarded.
type Bridge struct {
	backend   Backend
	languages map[string]Language
	sink      Sink
	timeout   time.Duration
	flush     time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	latest   map[string]uint64

	// dying holds a stopped or released session until its process has
	// exited, so the room's next Start waits for it.
	dying map[string]*session
	gen      uint64
	closed   bool
	wg       sync.WaitGroup
}

type Config struct {
	Backend   Backend
	Languages map[string]Language

	// Timeout bounds non-interactive runs. Interactive sessions run until
	// stopped, preempted or released.
	Timeout time.Duration

	// FlushInterval is how often buffered session output is emitted.
	FlushInterval time.Duration
	Logger        *slog.Logger
}

func NewBridge(cfg Config) *Bridge {
	if cfg.Languages == nil {
		cfg.Languages = DefaultLanguages()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bridge{
		backend:   cfg.Backend,
		languages: cfg.Languages,
		timeout:   cfg.Timeout,
		flush:     cfg.FlushInterval,
		logger:    cfg.Logger,
		sessions:  make(map[string]*session),
		latest:    make(map[string]uint64),
		dying:     make(map[string]*session),
	}
}

// SetSink wires the output receiver. It must be called before Start.
func (b *Bridge) SetSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// Interactive reports whether running sessions accept forwarded input.
func (b *Bridge) Interactive() bool {
	return b.backend.Interactive()
}

// Languages lists the names accepted by Start and Run.
func (b *Bridge) Languages() []string {
	names := make([]string, 0, len(b.languages))
	for name := range b.languages {
		names = append(names, name)
	}
	return names
}

func (b *Bridge) resolve(req Request) (Language, error) {
	if strings.TrimSpace(req.Source) == "" {
		return Language{}, ErrEmptySource
	}
	lang, ok := lookup(b.languages, req.Language)
	if !ok {
		return Language{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, req.Language)
	}
	return lang, nil
}

// Start launches a run for the room, preempting any live session. Input
// problems are returned synchronously; everything after that is reported
// through the Sink.
func (b *Bridge) Start(roomID string, req Request) (uint64, error) {
	lang, err := b.resolve(req)
	if err != nil {
		return 0, err
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if b.timeout > 0 && !b.backend.Interactive() {
		ctx, cancel = context.WithTimeout(context.Background(), b.timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return 0, ErrClosed
	}
	b.gen++
	s := &session{
		roomID: roomID,
		gen:    b.gen,
		cancel: cancel,
		done:   make(chan struct{}),
		input:  make(chan string, 64),
	}
	prev := b.sessions[roomID]
	if prev == nil {
		prev = b.dying[roomID]
	}
	delete(b.dying, roomID)
	b.sessions[roomID] = s
	b.latest[roomID] = s.gen
	b.wg.Add(1)
	b.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}

	go b.run(ctx, s, prev, lang, req)
	return s.gen, nil
}

func (b *Bridge) run(ctx context.Context, s *session, prev *session, lang Language, req Request) {
	defer b.wg.Done()
	defer close(s.done)
	defer s.cancel()
	defer b.finish(s)

	if prev != nil {
		<-prev.done
	}
	if ctx.Err() != nil {
		return
	}

	out := newCoalescer(b.flush, func(chunk string) {
		b.emit(s, Output{Chunk: chunk})
	})
	job := &Job{
		Request:  req,
		Language: lang,
		Emit:     out.write,
		Phase:    func(p Phase) { s.phase.Store(int32(p)) },
	}
	if b.backend.Interactive() {
		job.Input = s.input
	}

	b.logger.Debug("run started", "room", s.roomID, "language", lang.Name, "generation", s.gen)
	code, err := b.backend.Execute(ctx, job)
	out.close()
	s.phase.Store(int32(PhaseIdle))

	var compileErr *CompileError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		b.emit(s, Output{Chunk: fmt.Sprintf("\nExecution timed out after %s\n", b.timeout), Done: true})
	case ctx.Err() != nil:
		// Stopped, preempted or released; nobody is listening to this generation.
	case errors.As(err, &compileErr):
		b.emit(s, Output{Chunk: "Compilation failed:\n" + compileErr.Output, Done: true})
	case err != nil:
		b.logger.Warn("run failed", "room", s.roomID, "language", lang.Name, "error", err)
		b.emit(s, Output{Chunk: "Error: " + err.Error() + "\n", Done: true})
	default:
		b.emit(s, Output{Done: true, ExitCode: &code})
	}
	b.logger.Debug("run finished", "room", s.roomID, "generation", s.gen, "exit_code", code)
}

func (b *Bridge) finish(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[s.roomID] == s {
		delete(b.sessions, s.roomID)
	}
	if b.dying[s.roomID] == s {
		delete(b.dying, s.roomID)
	}
}

func (b *Bridge) emit(s *session, out Output) {
	b.mu.Lock()
	current := b.latest[s.roomID] == s.gen
	sink := b.sink
	b.mu.Unlock()

	if !current || sink == nil {
		return
	}
	out.Generation = s.gen
	sink.RunOutput(s.roomID, out)
}

// Current reports whether gen is the latest generation for the room. Output
// from older generations must be discarded by the receiver.
func (b *Bridge) Current(roomID string, gen uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	latest, ok := b.latest[roomID]
	return ok && latest == gen
}

// ForwardStdin delivers text plus a newline to the room's live process.
func (b *Bridge) ForwardStdin(roomID, text string) error {
	b.mu.Lock()
	s := b.sessions[roomID]
	b.mu.Unlock()

	if s == nil {
		return ErrNoSession
	}
	if !b.backend.Interactive() {
		return ErrStdinUnsupported
	}

	select {
	case <-s.done:
		return ErrNoSession
	default:
	}

	select {
	case s.input <- text:
		return nil
	default:
		return ErrInputBusy
	}
}

// Stop kills the room's live session. Its remaining output is discarded.
// A later Start for the room waits until the killed process has exited.
func (b *Bridge) Stop(roomID string) error {
	b.mu.Lock()
	s := b.sessions[roomID]
	if s == nil {
		b.mu.Unlock()
		return ErrNoSession
	}
	delete(b.sessions, roomID)
	b.dying[roomID] = s
	b.gen++
	b.latest[roomID] = b.gen
	b.mu.Unlock()

	s.cancel()
	return nil
}

// Release kills any session and forgets the room entirely. Used on room
// teardown.
func (b *Bridge) Release(roomID string) {
	b.mu.Lock()
	s := b.sessions[roomID]
	if s != nil {
		delete(b.sessions, roomID)
		b.dying[roomID] = s
	}
	delete(b.latest, roomID)
	b.mu.Unlock()

	if s != nil {
		s.cancel()
	}
}

// Phase returns the room's current execution phase.
func (b *Bridge) Phase(roomID string) Phase {
	b.mu.Lock()
	s := b.sessions[roomID]
	b.mu.Unlock()
	if s == nil {
		return PhaseIdle
	}
	return Phase(s.phase.Load())
}

// Active returns the number of rooms with a live session.
func (b *Bridge) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Run executes req as a one-shot batch job outside any room.
func (b *Bridge) Run(ctx context.Context, req Request) (Response, error) {
	lang, err := b.resolve(req)
	if err != nil {
		return Response{}, err
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	var out strings.Builder
	job := &Job{
		Request:  req,
		Language: lang,
		Emit:     func(chunk string) { out.WriteString(chunk) },
	}

	code, err := b.backend.Execute(ctx, job)

	var compileErr *CompileError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Response{Output: out.String(), Status: StatusTimeout, ExitCode: -1}, nil
	case errors.As(err, &compileErr):
		return Response{Output: compileErr.Output, Status: StatusCompileError, ExitCode: -1}, nil
	case err != nil:
		return Response{}, err
	}

	resp := Response{Output: out.String(), Status: StatusOK, ExitCode: code}
	if code != 0 {
		resp.Status = StatusRuntimeError
	}
	if resp.Output == "" {
		resp.Output = "No output"
	}
	return resp, nil
}

// Shutdown kills every session and waits for them to exit.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	b.closed = true
	for roomID, s := range b.sessions {
		s.cancel()
		delete(b.sessions, roomID)
	}
	b.latest = make(map[string]uint64)
	b.mu.Unlock()

	b.wg.Wait()
}
