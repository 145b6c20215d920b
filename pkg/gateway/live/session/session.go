// Package session runs one live tutoring session: a client websocket on one
// side, the realtime conversational-AI service on the other, with role
// management, action execution, history capture, and audio archiving in
// between.
//
// All session state is owned by the single goroutine inside Run. Side
// effects (uploads, directive execution, history persistence) run on
// short-lived goroutines and report back into the loop over a channel.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lingokit/tutorgw/pkg/gateway/gateways"
	"github.com/lingokit/tutorgw/pkg/gateway/live/action"
	"github.com/lingokit/tutorgw/pkg/gateway/live/protocol"
	"github.com/lingokit/tutorgw/pkg/gateway/live/roles"
	"github.com/lingokit/tutorgw/pkg/gateway/metrics"
	"github.com/lingokit/tutorgw/pkg/gateway/upstream"
)

// Bridge is the slice of the upstream connection the session consumes.
type Bridge interface {
	Events() <-chan upstream.Event
	Connected() bool
	AppendAudio(ctx context.Context, audioB64 string) error
	CreateResponse(ctx context.Context, instructions string) error
	CancelResponse(ctx context.Context) error
	UpdateInstructions(ctx context.Context, instructions, voice string) error
	Close() error
}

// BridgeDialer opens a fresh upstream connection configured with the given
// system instructions.
type BridgeDialer func(ctx context.Context, instructions string) (Bridge, error)

// ProfileAPI is the user-service surface the session needs.
type ProfileAPI interface {
	FetchContext(ctx context.Context, token string) (*roles.Context, error)
	UpdateProfile(ctx context.Context, token string, data json.RawMessage) error
	CreateGoal(ctx context.Context, token string, data json.RawMessage) error
	CompleteGoal(ctx context.Context, token string, goalID int64) error
}

// HistoryAPI is the history-service surface the session needs.
type HistoryAPI interface {
	FetchSession(ctx context.Context, token, sessionID string) (*gateways.Conversation, error)
	SaveConversation(ctx context.Context, token string, conv *gateways.Conversation) error
	SaveSummary(ctx context.Context, token string, s *gateways.SessionSummary) error
}

// MediaAPI is the media-service surface the session needs.
type MediaAPI interface {
	UploadAudio(ctx context.Context, token, filename string, audio []byte) (string, error)
}

type Config struct {
	HeartbeatInterval   time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	MaxMessageBytes     int64
	MaxAudioFrameBytes  int
	MaxAudioFPS         int
	MaxAudioBPS         int64
	InboundBurstSeconds int
	SideEffectTimeout   time.Duration
	UpstreamVoice       string

	// Clock is overridable for tests.
	Clock func() time.Time
}

type Deps struct {
	Dial     BridgeDialer
	Profiles ProfileAPI
	History  HistoryAPI
	Media    MediaAPI
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Session bridges one client connection to the upstream service.
type Session struct {
	cfg  Config
	deps Deps

	userID    string
	sessionID string
	token     string
	connID    string
}

func New(cfg Config, deps Deps, start protocol.ClientSessionStart) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.SideEffectTimeout <= 0 {
		cfg.SideEffectTimeout = 10 * time.Second
	}
	return &Session{
		cfg:       cfg,
		deps:      deps,
		userID:    start.UserID,
		sessionID: start.SessionID,
		token:     start.Token,
		connID:    "conn_" + uuid.NewString(),
	}
}

// inboundMsg carries one decoded client frame, or the decode failure.
type inboundMsg struct {
	msg any
	err *protocol.DecodeError
}

// effect is the result of an asynchronous side-effect task, applied back onto
// session state inside the loop.
type effect struct {
	kind string // "upload", "directive", "persist"
	err  error

	// upload
	role   string
	msgIdx int
	url    string

	// directive
	directiveKind string
	newCtx        *roles.Context
}

// Run drives the session until the client disconnects, the upstream is
// irrecoverable, or ctx is canceled. It owns the websocket for its lifetime.
func (s *Session) Run(ctx context.Context, ws *websocket.Conn) error {
	started := s.cfg.Clock()
	logger := s.deps.Logger.With("session_id", s.sessionID, "user_id", s.userID)
	m := s.deps.Metrics

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Outbound writer: the only goroutine that touches the socket for writes.
	priority := make(chan outboundFrame, 32)
	normal := make(chan outboundFrame, 256)
	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan error, 1)
	go func() {
		writerDone <- (&outboundWriter{
			ws:           ws,
			ctx:          writerCtx,
			writeTimeout: s.cfg.WriteTimeout,
			pingInterval: s.cfg.HeartbeatInterval,
			priority:     priority,
			normal:       normal,
		}).Run()
	}()

	clientMsgs := make(chan inboundMsg, 32)
	go s.readLoop(ws, clientMsgs)

	enqueue := func(ch chan outboundFrame, v any) {
		payload, err := json.Marshal(v)
		if err != nil {
			logger.Error("marshal outbound frame", "error", err)
			return
		}
		select {
		case ch <- outboundFrame{payload: payload}:
		case <-ctx.Done():
		}
	}
	sendError := func(kind, message string) {
		enqueue(priority, protocol.ServerError{
			Type:    "error",
			Payload: protocol.ErrorPayload{Error: message, Kind: kind},
		})
	}

	// ---- Bootstrap: context, role, history, upstream. All best-effort. ----

	userCtx := &roles.Context{}
	if s.deps.Profiles != nil {
		fetchCtx, cancelFetch := context.WithTimeout(ctx, s.cfg.SideEffectTimeout)
		if uc, err := s.deps.Profiles.FetchContext(fetchCtx, s.token); err != nil {
			logger.Warn("context fetch failed, starting with empty context", "error", err)
			m.Error("profile", "fetch")
		} else {
			userCtx = uc
		}
		cancelFetch()
	}
	role := roles.Determine(userCtx)
	logger.Info("session starting", "role", role)

	hist := newHistoryManager(s.cfg.Clock)
	if s.deps.History != nil {
		fetchCtx, cancelFetch := context.WithTimeout(ctx, s.cfg.SideEffectTimeout)
		if prior, err := s.deps.History.FetchSession(fetchCtx, s.token, s.sessionID); err == nil && prior != nil {
			hist.seed(prior.Messages)
		}
		cancelFetch()
	}

	var (
		bridge       Bridge
		bridgeEvents <-chan upstream.Event

		ignored           = make(map[string]struct{})
		currentResponseID string
		interrupted       bool

		turnText    strings.Builder
		suppressing bool

		// Index of the "..." placeholder appended when user audio arrives
		// before its transcription, or -1.
		pendingUserIdx = -1

		userAudio      turnBuffer
		assistantAudio turnBuffer

		limiter = newInboundAudioLimiter(s.cfg.Clock, s.cfg.MaxAudioFPS, s.cfg.MaxAudioBPS, s.cfg.InboundBurstSeconds)

		effects = make(chan effect, 16)
		sideWG  sync.WaitGroup
	)

	runAsync := func(fn func() effect) {
		sideWG.Add(1)
		go func() {
			defer sideWG.Done()
			res := fn()
			select {
			case effects <- res:
			case <-ctx.Done():
			}
		}()
	}

	connectBridge := func(kind string) error {
		if bridge != nil {
			_ = bridge.Close()
			bridge = nil
			bridgeEvents = nil
		}
		prompt := roles.RenderPrompt(role, userCtx, hist.recent(10))
		b, err := s.deps.Dial(ctx, prompt)
		m.UpstreamConnect(kind, err == nil)
		if err != nil {
			logger.Warn("upstream connect failed", "kind", kind, "error", err)
			return err
		}
		bridge = b
		bridgeEvents = b.Events()
		logger.Info("upstream connected", "kind", kind, "role", role)
		return nil
	}

	// ensureBridge lazily reconnects on user activity, per the degraded-mode
	// contract: a dead upstream never closes the client connection.
	ensureBridge := func() bool {
		if bridge != nil && bridge.Connected() {
			return true
		}
		if err := connectBridge("reconnect"); err != nil {
			sendError("connection_error", "upstream unavailable, please retry")
			return false
		}
		return true
	}

	resetTurn := func() {
		turnText.Reset()
		suppressing = false
	}

	persistHistory := func() {
		if s.deps.History == nil || hist.len() == 0 {
			return
		}
		snapshot := hist.snapshot()
		runAsync(func() effect {
			saveCtx, cancelSave := context.WithTimeout(context.Background(), s.cfg.SideEffectTimeout)
			defer cancelSave()
			err := s.deps.History.SaveConversation(saveCtx, s.token, &gateways.Conversation{
				SessionID: s.sessionID,
				UserID:    s.userID,
				Messages:  snapshot,
			})
			return effect{kind: "persist", err: err}
		})
	}

	uploadAudio := func(speaker string, msgIdx int, data []byte) {
		if s.deps.Media == nil || len(data) == 0 {
			return
		}
		filename := fmt.Sprintf("%s-%s-%s.pcm", s.sessionID, speaker, uuid.NewString())
		runAsync(func() effect {
			upCtx, cancelUp := context.WithTimeout(context.Background(), s.cfg.SideEffectTimeout)
			defer cancelUp()
			url, err := s.deps.Media.UploadAudio(upCtx, s.token, filename, data)
			return effect{kind: "upload", role: speaker, msgIdx: msgIdx, url: url, err: err}
		})
	}

	executeDirective := func(d *action.Directive) {
		kind, data := d.Kind, d.Data
		goalID := int64(0)
		if userCtx.ActiveGoal != nil {
			goalID = userCtx.ActiveGoal.ID
		}
		runAsync(func() effect {
			exCtx, cancelEx := context.WithTimeout(context.Background(), s.cfg.SideEffectTimeout)
			defer cancelEx()

			res := effect{kind: "directive", directiveKind: kind}
			var err error
			switch kind {
			case action.KindUpdateProfile:
				err = s.deps.Profiles.UpdateProfile(exCtx, s.token, data)
			case action.KindSetGoal:
				err = s.deps.Profiles.CreateGoal(exCtx, s.token, data)
			case action.KindCompleteGoal:
				var payload struct {
					GoalID int64 `json:"goal_id"`
				}
				if err = json.Unmarshal(data, &payload); err == nil {
					if payload.GoalID == 0 {
						payload.GoalID = goalID
					}
					err = s.deps.Profiles.CompleteGoal(exCtx, s.token, payload.GoalID)
				}
			case action.KindSaveSummary:
				var payload struct {
					Summary          string `json:"summary"`
					Feedback         string `json:"feedback"`
					ProficiencyDelta int    `json:"proficiency_score_delta"`
					GoalID           int64  `json:"goalId"`
				}
				if err = json.Unmarshal(data, &payload); err == nil {
					if payload.GoalID == 0 {
						payload.GoalID = goalID
					}
					err = s.deps.History.SaveSummary(exCtx, s.token, &gateways.SessionSummary{
						SessionID:        s.sessionID,
						UserID:           s.userID,
						Summary:          payload.Summary,
						Feedback:         payload.Feedback,
						ProficiencyDelta: payload.ProficiencyDelta,
						GoalID:           payload.GoalID,
					})
				}
			}
			res.err = err
			if err != nil {
				return res
			}

			// The action may have changed profile or goals; refresh so the
			// role policy sees current state.
			if uc, ferr := s.deps.Profiles.FetchContext(exCtx, s.token); ferr == nil {
				res.newCtx = uc
			}
			return res
		})
	}

	// noteResponse tracks the current turn id and reports whether the event
	// belongs to an interrupted (ignored) turn.
	noteResponse := func(rid string) (drop bool) {
		if rid == "" {
			_, drop = ignored[currentResponseID]
			return drop
		}
		currentResponseID = rid
		_, drop = ignored[rid]
		return drop
	}

	handleUpstream := func(ev upstream.Event) {
		switch ev := ev.(type) {
		case upstream.Opened:
			m.EventRelayed("opened")
		case upstream.AudioDelta:
			if noteResponse(ev.ResponseID) || interrupted {
				return
			}
			m.EventRelayed("audio_delta")
			m.AudioBytes("outbound", len(ev.Audio))
			assistantAudio.Append(ev.Audio)
			enqueue(normal, protocol.ServerAudioResponse{
				Type:    "audio_response",
				Payload: base64.StdEncoding.EncodeToString(ev.Audio),
				Role:    string(role),
			})
		case upstream.TextDelta:
			if noteResponse(ev.ResponseID) || interrupted {
				return
			}
			m.EventRelayed("text_delta")
			turnText.WriteString(ev.Text)
			if !suppressing && action.SuppressionPoint(turnText.String()) >= 0 {
				suppressing = true
			}
			if suppressing {
				return
			}
			enqueue(normal, protocol.ServerTextResponse{Type: "text_response", Payload: ev.Text})
		case upstream.AudioTurnDone:
			if noteResponse(ev.ResponseID) {
				return
			}
			m.EventRelayed("audio_turn_done")
			if interrupted {
				assistantAudio.Clear()
				return
			}
			uploadAudio("assistant", -1, assistantAudio.TakeAndClear())
		case upstream.TextTurnDone:
			if noteResponse(ev.ResponseID) {
				return
			}
			m.EventRelayed("text_turn_done")
			if interrupted {
				resetTurn()
				return
			}
			text := turnText.String()
			resetTurn()
			if strings.TrimSpace(text) == "" {
				return
			}
			if clean := action.Scrub(text); clean != "" {
				hist.appendAssistant(clean)
			}
			if d, ok := action.Extract(text); ok {
				if d.Known() {
					logger.Info("directive detected", "kind", d.Kind)
					executeDirective(d)
				} else {
					logger.Warn("unknown directive ignored", "kind", d.Kind)
				}
			}
			persistHistory()
		case upstream.UserTranscript:
			m.EventRelayed("user_transcript")
			if ev.Final {
				if pendingUserIdx >= 0 {
					hist.setContent(pendingUserIdx, ev.Text)
					pendingUserIdx = -1
				} else {
					hist.appendUser(ev.Text)
				}
				persistHistory()
			}
			enqueue(normal, protocol.ServerTranscription{Type: "transcription", Text: ev.Text, IsFinal: ev.Final})
		case upstream.ErrorEvent:
			logger.Error("upstream error", "detail", ev.Detail)
			m.Error("upstream", "server")
		case upstream.Closed:
			logger.Info("upstream closed, will reconnect on next user input", "reason", ev.Reason)
			m.EventRelayed("closed")
		case upstream.Unknown:
			m.EventRelayed("unknown")
		}
	}

	handleClient := func(msg any) {
		switch msg := msg.(type) {
		case protocol.ClientSessionStart:
			sendError("invalid_state", "session already started")
		case protocol.ClientAudioStream:
			raw, err := base64.StdEncoding.DecodeString(msg.Payload.AudioBuffer)
			if err != nil {
				sendError("invalid_json", "audioBuffer is not valid base64")
				return
			}
			if s.cfg.MaxAudioFrameBytes > 0 && len(raw) > s.cfg.MaxAudioFrameBytes {
				sendError("processing_error", "audio frame too large")
				return
			}
			if !limiter.Allow(len(raw)) {
				m.RateLimited("inbound_audio")
				return
			}
			if !ensureBridge() {
				return
			}
			m.AudioBytes("inbound", len(raw))
			if pendingUserIdx < 0 {
				pendingUserIdx = hist.appendUser("...")
			}
			userAudio.Append(raw)
			if err := bridge.AppendAudio(ctx, msg.Payload.AudioBuffer); err != nil {
				logger.Warn("forward audio failed", "error", err)
			}
		case protocol.ClientTextMessage:
			if !ensureBridge() {
				return
			}
			hist.appendUser(msg.Payload.Text)
			interrupted = false
			if err := bridge.CreateResponse(ctx, "User input: "+msg.Payload.Text); err != nil {
				logger.Warn("create response failed", "error", err)
				sendError("processing_error", "message processing failed")
			}
		case protocol.ClientUserAudioEnded:
			if !ensureBridge() {
				return
			}
			// A completed utterance starts a fresh turn; prior interruption
			// state no longer applies.
			interrupted = false
			uploadAudio("user", -1, userAudio.TakeAndClear())
			if err := bridge.CreateResponse(ctx, ""); err != nil {
				logger.Warn("create response failed", "error", err)
				sendError("processing_error", "message processing failed")
			}
		case protocol.ClientUserInterruption:
			interrupted = true
			if currentResponseID != "" {
				ignored[currentResponseID] = struct{}{}
				logger.Info("turn ignored after interruption", "response_id", currentResponseID)
			}
			assistantAudio.Clear()
			if bridge != nil && bridge.Connected() {
				if err := bridge.CancelResponse(ctx); err != nil {
					logger.Warn("cancel response failed", "error", err)
				}
			}
		case protocol.ClientPing:
			enqueue(priority, protocol.ServerPong{Type: "pong"})
		case protocol.ClientUnknown:
			logger.Debug("unknown client frame", "tag", msg.Tag)
		}
	}

	applyEffect := func(res effect) {
		switch res.kind {
		case "upload":
			if res.err != nil {
				logger.Warn("audio upload failed", "error", res.err)
				m.Error("media", "upload")
				return
			}
			hist.attachAudio(res.role, res.msgIdx, res.url)
			persistHistory()
			if res.role == "assistant" {
				enqueue(normal, protocol.ServerAudioURL{
					Type:    "audio_url",
					Payload: protocol.AudioURLPayload{URL: res.url, Role: string(role)},
				})
			}
		case "directive":
			m.DirectiveExecuted(res.directiveKind, res.err == nil)
			if res.err != nil {
				logger.Error("directive execution failed", "kind", res.directiveKind, "error", res.err)
				return
			}
			if res.newCtx == nil {
				return
			}
			userCtx = res.newCtx
			newRole := roles.Determine(userCtx)
			if newRole == role {
				return
			}
			logger.Info("role switch", "from", role, "to", newRole)
			role = newRole
			enqueue(priority, protocol.ServerRoleSwitch{
				Type:    "role_switch",
				Payload: protocol.RoleSwitchPayload{Role: string(role)},
			})
			if bridge != nil && bridge.Connected() {
				prompt := roles.RenderPrompt(role, userCtx, hist.recent(10))
				if err := bridge.UpdateInstructions(ctx, prompt, s.cfg.UpstreamVoice); err != nil {
					logger.Warn("prompt update failed", "error", err)
				}
			}
		case "persist":
			if res.err != nil {
				logger.Warn("history save failed", "error", res.err)
				m.Error("history", "save")
			}
		}
	}

	// Initial upstream connection. Failure leaves the session in degraded
	// mode; the next user input retries.
	_ = connectBridge("initial")

	m.SessionStarted()
	enqueue(priority, protocol.ServerConnectionEstablished{
		Type: "connection_established",
		Payload: protocol.ConnectionEstablishedPayload{
			ConnectionID: s.connID,
			Message:      fmt.Sprintf("Connected (role: %s)", role),
			Role:         string(role),
		},
	})

	heartbeat := time.NewTicker(s.heartbeatInterval())
	defer heartbeat.Stop()

	status := "completed"
	clientGone := false

loop:
	for {
		select {
		case <-ctx.Done():
			status = "canceled"
			break loop
		case in, ok := <-clientMsgs:
			if !ok {
				clientGone = true
				break loop
			}
			if in.err != nil {
				sendError(in.err.Code, in.err.Message)
				continue
			}
			handleClient(in.msg)
		case ev, ok := <-bridgeEvents:
			if !ok {
				// The dead bridge stays around so Connected() reports false
				// and the next user input triggers a lazy reconnect.
				bridgeEvents = nil
				continue
			}
			handleUpstream(ev)
		case res := <-effects:
			applyEffect(res)
		case <-heartbeat.C:
			enqueue(priority, protocol.ServerPing{
				Type:    "ping",
				Payload: protocol.PingPayload{Timestamp: s.cfg.Clock().Unix()},
			})
		}
	}

	// ---- Teardown: bounded, best-effort. ----

	if clientGone {
		logger.Info("client disconnected")
		select {
		case priority <- mustMarshalFrame(protocol.ServerConnectionClosed{
			Type:    "connection_closed",
			Payload: protocol.ConnectionClosedPayload{Reason: "client_disconnected"},
		}):
		default:
		}
	}

	cancel()
	if bridge != nil {
		_ = bridge.Close()
	}

	sideDone := make(chan struct{})
	go func() {
		defer close(sideDone)
		sideWG.Wait()
	}()
	select {
	case <-sideDone:
	case <-time.After(s.cfg.SideEffectTimeout):
		logger.Warn("side-effect tasks still running at teardown")
	}

	if s.deps.History != nil && hist.len() > 0 {
		now := s.cfg.Clock()
		saveCtx, cancelSave := context.WithTimeout(context.Background(), s.cfg.SideEffectTimeout)
		if err := s.deps.History.SaveConversation(saveCtx, s.token, &gateways.Conversation{
			SessionID: s.sessionID,
			UserID:    s.userID,
			Messages:  hist.snapshot(),
			StartTime: &started,
			EndTime:   &now,
		}); err != nil {
			logger.Warn("final history save failed", "error", err)
			m.Error("history", "save")
		}
		cancelSave()
	}

	stopWriter()
	select {
	case <-writerDone:
	case <-time.After(s.writerShutdownBudget()):
		logger.Warn("writer did not exit in time")
	}

	m.SessionEnded(status, s.cfg.Clock().Sub(started))
	logger.Info("session finished", "status", status, "messages", hist.len())
	return nil
}

func (s *Session) heartbeatInterval() time.Duration {
	if s.cfg.HeartbeatInterval > 0 {
		return s.cfg.HeartbeatInterval
	}
	return 20 * time.Second
}

func (s *Session) writerShutdownBudget() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout + time.Second
	}
	return 6 * time.Second
}

// readLoop pulls frames off the socket, decodes them, and feeds the session
// loop. It closes the channel when the client goes away.
func (s *Session) readLoop(ws *websocket.Conn, out chan<- inboundMsg) {
	defer close(out)
	if s.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, derr := protocol.DecodeClientMessage(data)
		if derr != nil {
			de, ok := derr.(*protocol.DecodeError)
			if !ok {
				de = &protocol.DecodeError{Code: "invalid_json", Message: "invalid message format"}
			}
			out <- inboundMsg{err: de}
			continue
		}
		out <- inboundMsg{msg: msg}
	}
}

func mustMarshalFrame(v any) outboundFrame {
	payload, err := json.Marshal(v)
	if err != nil {
		return outboundFrame{}
	}
	return outboundFrame{payload: payload}
}
