package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"musicmashup/core/mixer"
	"musicmashup/logger"
)

// Outbox delivers messages to the browser.
type Outbox interface {
	Send(msg *WSMessage) error
}

// TrackInfo is one uploaded track with the stems separated so far, keyed
// by kind with the URL the browser loads them from.
type TrackInfo struct {
	Track mixer.Track
	Stems map[mixer.StemKind]string
}

// SubmitFunc renders a mix request and says where to download it.
type SubmitFunc func(ctx context.Context, req mixer.MixRequest) (*RenderedData, error)

type Options struct {
	Engine mixer.Options
	Submit SubmitFunc
	// Now is the wall clock used to extrapolate browser playheads.
	Now func() time.Time
}

type sourceID struct {
	key mixer.ChannelKey
	gen mixer.Generation
}

// Session is one browser's preview: a mixer engine whose audio sources are
// the browser's decoders.
type Session struct {
	ID string

	out    Outbox
	engine *mixer.Engine
	submit SubmitFunc
	now    func() time.Time

	mu      sync.Mutex
	sources map[sourceID]*RemoteSource
	done    chan struct{}
}

func New(out Outbox, opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Session{
		ID:      uuid.NewString(),
		out:     out,
		submit:  opts.Submit,
		now:     opts.Now,
		sources: make(map[sourceID]*RemoteSource),
		done:    make(chan struct{}),
	}
	s.engine = mixer.NewEngine(s.newSource, opts.Engine)
	return s
}

func (s *Session) Engine() *mixer.Engine { return s.engine }

// Done is closed after Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) newSource(ch mixer.MixChannel, gen mixer.Generation) mixer.AudioSource {
	id := sourceID{key: ch.Key, gen: gen}
	src := newRemoteSource(ch.Key, gen, func(t MessageType, cmd SourceCommand) {
		if t == MsgSourceClose {
			s.mu.Lock()
			delete(s.sources, id)
			s.mu.Unlock()
		}
		s.emit(t, cmd)
	}, s.now)

	s.mu.Lock()
	s.sources[id] = src
	s.mu.Unlock()
	return src
}

func (s *Session) emit(t MessageType, data any) {
	msg, err := NewMessage(t, data)
	if err != nil {
		logger.Error("failed to encode session message", logger.String("type", string(t)), logger.ErrorField(err))
		return
	}
	if err := s.out.Send(msg); err != nil {
		logger.Debug("session message not delivered",
			logger.String("session", s.ID),
			logger.String("type", string(t)),
			logger.ErrorField(err))
	}
}

// Run drives the engine until ctx is cancelled, pushing every state change
// to the browser.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	sub := s.engine.Subscribe(16)
	go s.engine.Run(ctx)
	for snap := range sub.C {
		s.emit(MsgState, snap)
	}
	<-s.engine.Done()
	logger.Debug("session stopped", logger.String("session", s.ID))
}

// Load replaces the session's track set.
func (s *Session) Load(ctx context.Context, tracks []TrackInfo) error {
	ts := make([]mixer.Track, 0, len(tracks))
	for _, t := range tracks {
		ts = append(ts, t.Track)
	}
	if err := s.engine.SetTracks(ctx, ts); err != nil {
		return err
	}
	for _, t := range tracks {
		if len(t.Stems) == 0 {
			continue
		}
		if err := s.engine.SetStemOptions(ctx, t.Track.ID, t.Stems); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) TrackAdded(ctx context.Context, info TrackInfo) error {
	if err := s.engine.AddTrack(ctx, info.Track); err != nil {
		return err
	}
	if len(info.Stems) == 0 {
		return nil
	}
	return s.engine.SetStemOptions(ctx, info.Track.ID, info.Stems)
}

func (s *Session) TrackRemoved(ctx context.Context, id int64) error {
	return s.engine.RemoveTrack(ctx, id)
}

// StemsUpdated offers newly separated stems without activating them.
func (s *Session) StemsUpdated(ctx context.Context, id int64, stems map[mixer.StemKind]string) error {
	return s.engine.SetStemOptions(ctx, id, stems)
}

// HandleMessage applies one browser message. Failures are reported back to
// the browser, never to the caller.
func (s *Session) HandleMessage(ctx context.Context, msg *WSMessage) {
	var err error
	switch msg.Type {
	case MsgSourceReady, MsgSourceError, MsgSourcePosition:
		err = s.handleReport(msg)
	case MsgSubmit:
		var d ControlData
		if err = decode(msg, &d); err == nil {
			go s.handleSubmit(ctx, d.Name)
		}
	default:
		err = s.handleControl(ctx, msg)
	}
	if err != nil {
		s.emit(MsgError, ErrorData{Message: err.Error()})
	}
}

func decode(msg *WSMessage, v any) error {
	if len(msg.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", msg.Type, err)
	}
	return nil
}

func (s *Session) handleReport(msg *WSMessage) error {
	var r SourceReport
	if err := decode(msg, &r); err != nil {
		return err
	}
	key, err := mixer.ParseChannelKey(r.Channel)
	if err != nil {
		return err
	}
	s.mu.Lock()
	src := s.sources[sourceID{key: key, gen: mixer.Generation(r.Gen)}]
	s.mu.Unlock()
	if src == nil {
		// released before the browser answered
		return nil
	}
	switch msg.Type {
	case MsgSourceReady:
		src.markReady(r.Duration)
	case MsgSourceError:
		src.markFailed(r.Message)
	case MsgSourcePosition:
		src.report(r.Position)
	}
	return nil
}

func (s *Session) handleControl(ctx context.Context, msg *WSMessage) error {
	var d ControlData
	if err := decode(msg, &d); err != nil {
		return err
	}
	channel := func() (mixer.ChannelKey, error) {
		return mixer.ParseChannelKey(d.Channel)
	}

	switch msg.Type {
	case MsgSetStem:
		kind, err := mixer.ParseStemKind(d.Kind)
		if err != nil {
			return err
		}
		return s.engine.SetStemActive(ctx, d.TrackID, kind, d.Active)
	case MsgVolume:
		key, err := channel()
		if err != nil {
			return err
		}
		return s.engine.SetVolume(ctx, key, d.Value)
	case MsgMute:
		key, err := channel()
		if err != nil {
			return err
		}
		return s.engine.ToggleMute(ctx, key)
	case MsgSolo:
		return s.engine.SetSolo(ctx, d.TrackID)
	case MsgOffset:
		key, err := channel()
		if err != nil {
			return err
		}
		return s.engine.SetOffset(ctx, key, d.Value)
	case MsgPlay:
		return s.engine.Play(ctx)
	case MsgPause:
		return s.engine.Pause(ctx)
	case MsgSeek:
		return s.engine.Seek(ctx, d.Value)
	case MsgScrub:
		key, err := channel()
		if err != nil {
			return err
		}
		return s.engine.Scrub(ctx, key, d.Fraction)
	}
	return fmt.Errorf("unknown message type %q", msg.Type)
}

func (s *Session) handleSubmit(ctx context.Context, name string) {
	req, err := s.engine.BuildMixRequest(ctx, name)
	if err == nil && s.submit == nil {
		err = errors.New("rendering is not available")
	}
	if err != nil {
		s.emit(MsgError, ErrorData{Message: err.Error()})
		return
	}
	res, err := s.submit(ctx, req)
	if err != nil {
		msg := err.Error()
		if rf := (*mixer.RenderFailed)(nil); errors.As(err, &rf) {
			msg = rf.Error()
		}
		s.emit(MsgError, ErrorData{Message: msg})
		return
	}
	s.emit(MsgRendered, res)
}
