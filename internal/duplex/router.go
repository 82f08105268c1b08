package duplex

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alexlevy0/mycompanion/domain/entities"
)

// router demultiplexes the frames of one session. Frames arriving after the session
// was torn down are dropped.
type router struct {
	m *Manager
	s *session
}

func (r *router) handleText(data []byte) {
	msg, err := DecodeInbound(data)
	if err != nil {
		r.m.logger.Warn("Failed to parse message", zap.Uint64("session", r.s.id), zap.Error(err))
		return
	}
	if !r.m.isCurrent(r.s) {
		return
	}

	if IsTranscriptType(msg.Type) {
		if msg.HasConversation {
			r.replaceConversation(msg.Conversation)
		}
		return
	}

	switch msg.Type {
	case MessageTypeReady:
		r.handleReady()
	case MessageTypeSessionStarted:
		r.handleSessionStarted()
	case MessageTypeUserSpeechStart:
		r.m.machine.Apply(Event{Type: EventUserSpeechStart})
		r.m.queue.Clear()
	case MessageTypeUserSpeechEnd:
		r.m.machine.Apply(Event{Type: EventUserSpeechEnd})
	case MessageTypeModelSpeechStart, MessageTypeModelSpeechEnd:
		r.m.logger.Debug("Model speech marker", zap.String("type", string(msg.Type)))
	case MessageTypeModelSpeechResume:
		r.m.machine.Apply(Event{Type: EventModelSpeechOn})
	case MessageTypeFunctionCalls:
		r.dispatchFunctionCalls(msg.FunctionCalls)
	case MessageTypeHungUp:
		// the socket closes here, so stats must arrive before hungUp
		r.m.logger.Info("Hang up acknowledged", zap.Uint64("session", r.s.id))
		r.m.teardown(r.s, entities.EndReasonHangUp, nil)
	case MessageTypeStats:
		r.handleStats(msg)
	case MessageTypeEnd:
		r.m.teardown(r.s, entities.EndReasonServerEnd, nil)
	case MessageTypeError:
		serr := &ServerError{Message: msg.Error}
		r.m.notify(serr)
		r.m.teardown(r.s, entities.EndReasonServer, serr)
	case MessageTypePong:
		r.m.logger.Debug("Heartbeat acknowledged")
	}
}

func (r *router) handleBinary(data []byte) {
	if !r.m.isCurrent(r.s) {
		return
	}
	chunk := entities.AudioChunk{
		Seq:        r.m.chunkSeq.Add(1),
		Data:       data,
		ReceivedAt: time.Now(),
	}
	r.m.logger.Debug("Received audio chunk", zap.Uint64("seq", chunk.Seq), zap.Int("size", len(data)))
	r.m.queue.Enqueue(chunk)
}

func (r *router) handleClose(err error) {
	if !r.m.isCurrent(r.s) {
		return
	}
	if err != nil {
		r.m.notify(err)
		r.m.teardown(r.s, entities.EndReasonTransport, err)
		return
	}
	r.m.teardown(r.s, entities.EndReasonClosed, nil)
}

func (r *router) handleReady() {
	start := NewStartMessage(r.m.cfg.WorkspaceID, r.s.opts)
	if err := r.s.conn.SendJSON(start); err != nil {
		r.m.logger.Error("Failed to send start message", zap.Error(err))
		return
	}
	r.m.logger.Info("Start message sent",
		zap.Uint64("session", r.s.id),
		zap.String("agentID", r.s.opts.AgentIDOrEmpty()))
}

func (r *router) handleSessionStarted() {
	if _, err := r.m.machine.Apply(Event{Type: EventSessionStarted}); err != nil {
		r.m.logger.Warn("Ignoring sessionStarted", zap.Error(err))
		return
	}
	r.m.logger.Info("Session started", zap.Uint64("session", r.s.id))
	go r.m.startCapture(r.s)
}

func (r *router) replaceConversation(turns []entities.Turn) {
	r.m.mu.Lock()
	r.m.transcript = turns
	r.m.mu.Unlock()

	if r.m.deps.OnConversation != nil {
		r.m.deps.OnConversation(entities.CloneTranscript(turns))
	}
}

func (r *router) handleStats(msg *InboundMessage) {
	r.m.mu.Lock()
	r.m.stats = msg.Stats
	r.m.validation = msg.Validation
	r.m.mu.Unlock()

	var price float64
	if msg.Stats != nil {
		price = msg.Stats.SessionTotalPrice
	}
	r.m.logger.Info("Call ended", zap.Uint64("session", r.s.id), zap.Float64("totalPrice", price))
	if r.m.deps.OnCallEnded != nil {
		r.m.deps.OnCallEnded(price)
	}
}

// dispatchFunctionCalls notifies every registered handler before the next frame is read
func (r *router) dispatchFunctionCalls(calls []entities.FunctionCall) {
	r.m.handlersMu.RLock()
	handlers := make([]FunctionCallHandler, 0, len(r.m.handlers))
	for _, reg := range r.m.handlers {
		handlers = append(handlers, reg.fn)
	}
	r.m.handlersMu.RUnlock()

	for _, h := range handlers {
		if err := safeCall(h, calls); err != nil {
			r.m.logger.Error("Function call handler failed", zap.Error(err))
		}
	}
}

func safeCall(h FunctionCallHandler, calls []entities.FunctionCall) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	h(calls)
	return nil
}
