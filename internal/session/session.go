// Package session binds one client connection to the resource layer: it
// dispatches the control protocol, owns the per-connection identifier
// channels, runs authorization, and fans resource updates back out through
// the message pool.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/statecast/statecast/internal/auth"
	"github.com/statecast/statecast/internal/ident"
	"github.com/statecast/statecast/internal/message"
	"github.com/statecast/statecast/internal/metrics"
	"github.com/statecast/statecast/internal/resource"
	"github.com/statecast/statecast/internal/worker"
	"github.com/statecast/statecast/internal/xdr"
)

// Options carry the shared collaborators of every session.
type Options struct {
	Manager     *resource.Manager
	Authorizer  *auth.Authorizer
	Credentials auth.CredentialStore
	Workers     *worker.Pool

	// LocalMode skips authorization entirely for this connection.
	LocalMode bool

	// PublicDataAccess marks non-app-state resources as readable without
	// a login; logout keeps their subscriptions.
	PublicDataAccess bool

	Logger zerolog.Logger
}

type bindingState int

const (
	// bindingPending: authorization or the initial read is still running;
	// inbound messages for the resource id are deferred.
	bindingPending bindingState = iota
	// bindingDraining: deferred messages are being replayed; new arrivals
	// keep queueing behind them.
	bindingDraining
	// bindingActive: messages apply immediately.
	bindingActive
)

// binding ties one client-chosen resource id to a live resource. The
// client id never leaves the session; resources know subscribers only by
// their own numeric ids.
type binding struct {
	spec         resource.Spec
	res          resource.Resource
	channel      *ident.Channel // app-state only
	subscriberID int64
	state        bindingState
	queue        []message.Fields
	public       bool
}

// Session is the server half of one connection. Handlers run on the
// connection's read goroutine; authorization and credential checks run on
// the shared worker pool; subscription results and fan-out arrive on the
// owning resource's goroutine. The mutex guards the binding table and the
// identity, nothing slow runs under it.
type Session struct {
	id     int64
	conn   *message.Conn
	opts   Options
	logger zerolog.Logger
	hangup func()

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	username   string
	bindings   map[int64]*binding
	closed     bool
	terminated bool
}

// New wires a session onto a message connection. hangup force-closes the
// underlying transport and must tolerate repeated calls.
func New(id int64, conn *message.Conn, opts Options, hangup func()) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		conn:     conn,
		opts:     opts,
		logger:   opts.Logger.With().Int64("session_id", id).Logger(),
		hangup:   hangup,
		ctx:      ctx,
		cancel:   cancel,
		bindings: make(map[int64]*binding),
	}

	conn.Handle(message.TypeSubscribe, s.handleSubscribe)
	conn.Handle(message.TypeUnsubscribe, s.handleUnsubscribe)
	conn.Handle(message.TypeReleaseResource, s.handleRelease)
	conn.Handle(message.TypeWrite, s.handleWrite)
	conn.Handle(message.TypeDefine, s.handleDefine)
	conn.Handle(message.TypeLogin, s.handleLogin)
	conn.Handle(message.TypeCreateAccount, s.handleCreateAccount)
	conn.Handle(message.TypeLogout, s.handleLogout)
	conn.OnReplyTimeout = func() { s.Terminate("reply timeout") }
	return s
}

// SetUser installs an identity established during the transport upgrade.
func (s *Session) SetUser(username string) {
	s.mu.Lock()
	s.username = username
	s.mu.Unlock()
}

// Username returns the current identity, empty for anonymous.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Terminate notifies the peer and hangs up. Later calls are no-ops.
func (s *Session) Terminate(reason string) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.mu.Unlock()

	s.conn.Send(0, message.Fields{"type": message.TypeTerminate, "reason": reason})
	s.conn.Flush()
	s.logger.Info().Str("reason", reason).Msg("Terminating connection")
	s.hangup()
}

// ReloadApplication asks the client to reload itself.
func (s *Session) ReloadApplication(reason string) {
	s.conn.Send(0, message.Fields{"type": message.TypeReloadApplication, "reason": reason})
	s.conn.Flush()
}

// Close releases every binding and shuts the message layer down. Called
// once the transport has stopped; safe to call repeatedly.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	bindings := s.bindings
	s.bindings = make(map[int64]*binding)
	s.mu.Unlock()

	s.cancel()
	s.conn.Shutdown()
	for _, b := range bindings {
		s.releaseBinding(b)
	}
}

// releaseBinding tears one binding down. The binding must already be out
// of the table.
func (s *Session) releaseBinding(b *binding) {
	if b.res == nil {
		// Still pending; bindResource or completeSubscribe notices the
		// table entry is gone and releases whatever it acquired.
		return
	}
	if b.subscriberID != 0 {
		b.res.Unsubscribe(b.subscriberID)
	}
	s.opts.Manager.Release(b.res)
}

// deferIfPending queues a message behind an unfinished subscription for
// the same resource id. Queued messages replay in arrival order.
func (s *Session) deferIfPending(rid int64, msg message.Fields) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bindings[rid]
	if b == nil || b.state == bindingActive {
		return false
	}
	b.queue = append(b.queue, msg)
	return true
}

func (s *Session) handleSubscribe(msg message.Fields) {
	rid := msg.ResourceID()
	spec, err := resource.ParseSpec(msg.Map("resourceSpec"))
	if err != nil {
		s.logger.Warn().Err(err).Int64("resource_id", rid).Msg("Rejecting subscribe")
		s.sendResourceError(rid, "invalid resource spec")
		return
	}
	fromRevision := int64(-1)
	if _, ok := msg["revision"]; ok {
		fromRevision = msg.Int64("revision")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, exists := s.bindings[rid]; exists {
		s.mu.Unlock()
		s.sendResourceError(rid, "resource id already in use")
		return
	}
	b := &binding{spec: spec, state: bindingPending}
	s.bindings[rid] = b
	accessor := s.username
	s.mu.Unlock()

	if s.opts.LocalMode {
		s.bindResource(rid, b, fromRevision)
		return
	}

	owner, typ, name := spec.AuthCoords()
	submitted := s.opts.Workers.Submit(func() {
		allowed, err := s.opts.Authorizer.Authorize(s.ctx, owner, typ, name, accessor)
		if err != nil {
			s.logger.Error().Err(err).Msg("Authorization lookup failed")
			s.denySubscribe(rid, b, "authorization unavailable")
			return
		}
		if !allowed {
			s.logger.Info().
				Str("accessor", accessor).
				Str("owner", owner).
				Str("resource_type", typ).
				Str("name", name).
				Msg("Subscription denied")
			s.denySubscribe(rid, b, "not authorized")
			return
		}
		s.bindResource(rid, b, fromRevision)
	})
	if !submitted {
		s.denySubscribe(rid, b, "server busy")
	}
}

// denySubscribe unwinds a pending binding: the client gets an error update
// and every message deferred behind the subscription is dropped.
func (s *Session) denySubscribe(rid int64, b *binding, reason string) {
	s.mu.Lock()
	if s.bindings[rid] == b {
		delete(s.bindings, rid)
	}
	dropped := len(b.queue)
	b.queue = nil
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Debug().Int64("resource_id", rid).Int("dropped", dropped).
			Msg("Discarding messages deferred behind a denied subscription")
	}
	s.sendResourceError(rid, reason)
}

// bindResource acquires the resource and registers the subscription. Runs
// on a worker (or inline in local mode).
func (s *Session) bindResource(rid int64, b *binding, fromRevision int64) {
	res, err := s.opts.Manager.Acquire(b.spec)
	if err != nil {
		s.logger.Warn().Err(err).Int64("resource_id", rid).Msg("Cannot resolve resource")
		s.denySubscribe(rid, b, err.Error())
		return
	}

	s.mu.Lock()
	if s.closed || s.bindings[rid] != b {
		s.mu.Unlock()
		s.opts.Manager.Release(res)
		return
	}
	b.res = res
	if app, ok := res.(*resource.AppState); ok {
		b.channel = ident.NewChannel(app.Registry())
	}
	b.public = s.opts.PublicDataAccess && res.Kind() != resource.KindAppState
	s.mu.Unlock()

	notifier := &subscriptionNotifier{session: s, rid: rid, binding: b}
	res.Subscribe(notifier, fromRevision, func(result resource.SubscribeResult) {
		s.completeSubscribe(rid, b, result)
	})
}

// completeSubscribe runs on the resource goroutine with the initial read.
// It sends the opening update and then replays the deferred queue.
func (s *Session) completeSubscribe(rid int64, b *binding, result resource.SubscribeResult) {
	s.mu.Lock()
	live := !s.closed && s.bindings[rid] == b
	if live && result.Err == nil {
		b.subscriberID = result.SubscriberID
		b.state = bindingDraining
	} else if live {
		delete(s.bindings, rid)
		b.queue = nil
	}
	s.mu.Unlock()

	if !live || result.Err != nil {
		b.res.Unsubscribe(result.SubscriberID)
		s.opts.Manager.Release(b.res)
		if live {
			s.logger.Warn().Err(result.Err).Int64("resource_id", rid).Msg("Initial read failed")
			s.sendResourceError(rid, result.Err.Error())
		}
		return
	}

	if err := s.sendUpdate(rid, b, result.Updates, result.LastRevision); err != nil {
		s.logger.Warn().Err(err).Int64("resource_id", rid).Msg("Cannot deliver initial update")
	}
	go s.drainDeferred(rid, b)
}

// drainDeferred replays messages queued behind the subscription until the
// queue stays empty, then opens the binding for inline handling.
func (s *Session) drainDeferred(rid int64, b *binding) {
	for {
		s.mu.Lock()
		if s.closed || s.bindings[rid] != b {
			b.queue = nil
			s.mu.Unlock()
			return
		}
		if len(b.queue) == 0 {
			b.state = bindingActive
			s.mu.Unlock()
			return
		}
		deferred := b.queue
		b.queue = nil
		s.mu.Unlock()

		for _, msg := range deferred {
			switch msg.Type() {
			case message.TypeWrite:
				s.applyWrite(msg)
			case message.TypeDefine:
				s.applyDefine(msg)
			case message.TypeUnsubscribe:
				s.applyUnsubscribe(msg)
			case message.TypeReleaseResource:
				s.applyRelease(msg)
			default:
				s.logger.Warn().Str("type", msg.Type()).Msg("Dropping deferred message")
			}
		}
	}
}

func (s *Session) handleWrite(msg message.Fields) {
	if s.deferIfPending(msg.ResourceID(), msg) {
		return
	}
	s.applyWrite(msg)
}

func (s *Session) applyWrite(msg message.Fields) {
	rid := msg.ResourceID()
	inReplyTo := msg.SequenceNr()

	s.mu.Lock()
	b := s.bindings[rid]
	var (
		res          resource.Resource
		subscriberID int64
	)
	if b != nil {
		res = b.res
		subscriberID = b.subscriberID
	}
	s.mu.Unlock()

	if res == nil {
		s.replyWriteFailure(rid, inReplyTo, "not subscribed")
		return
	}

	list := msg.List("list")
	elements := make(map[string]resource.WriteElement, len(list))
	codec := res.Codec()
	ch := channelOf(b)
	for i, raw := range list {
		identStr, elem, err := codec.DecodeElement(raw, ch)
		if err != nil {
			s.logger.Warn().Err(err).Int64("resource_id", rid).Int("element", i).
				Msg("Rejecting write")
			s.replyWriteFailure(rid, inReplyTo, err.Error())
			return
		}
		elements[identStr] = elem
	}

	res.Write(subscriberID, elements, func(ack resource.WriteAck) {
		if ack.Err != nil {
			s.replyWriteFailure(rid, inReplyTo, ack.Err.Error())
			return
		}
		reply := message.Fields{
			"type":     message.TypeWriteAck,
			"revision": ack.Revision,
			"status":   true,
		}
		if ack.Info != nil {
			reply["info"] = ack.Info
		}
		s.conn.Reply(rid, inReplyTo, reply)
	})
}

func (s *Session) replyWriteFailure(rid, inReplyTo int64, reason string) {
	s.conn.Reply(rid, inReplyTo, message.Fields{
		"type":   message.TypeWriteAck,
		"status": false,
		"reason": reason,
	})
}

func (s *Session) handleDefine(msg message.Fields) {
	if s.deferIfPending(msg.ResourceID(), msg) {
		return
	}
	s.applyDefine(msg)
}

func (s *Session) applyDefine(msg message.Fields) {
	rid := msg.ResourceID()

	s.mu.Lock()
	b := s.bindings[rid]
	var ch *ident.Channel
	if b != nil {
		ch = b.channel
	}
	s.mu.Unlock()

	if ch == nil {
		s.logger.Warn().Int64("resource_id", rid).
			Msg("Define for a resource without an identifier channel")
		return
	}

	for _, raw := range msg.List("list") {
		def, err := ident.ParseDefinition(raw)
		if err != nil {
			s.logger.Warn().Err(err).Int64("resource_id", rid).Msg("Malformed definition")
			s.Terminate("malformed define")
			return
		}
		if err := ch.AddRemoteDefinition(s.ctx, def); err != nil {
			s.logger.Error().Err(err).Int64("resource_id", rid).Msg("Cannot register definition")
			s.Terminate("invalid definition")
			return
		}
	}
}

func (s *Session) handleUnsubscribe(msg message.Fields) {
	if s.deferIfPending(msg.ResourceID(), msg) {
		return
	}
	s.applyUnsubscribe(msg)
}

// applyUnsubscribe stops updates but keeps the resource bound; the client
// id stays reserved until releaseResource.
func (s *Session) applyUnsubscribe(msg message.Fields) {
	rid := msg.ResourceID()

	s.mu.Lock()
	b := s.bindings[rid]
	if b == nil || b.res == nil {
		s.mu.Unlock()
		return
	}
	subscriberID := b.subscriberID
	b.subscriberID = 0
	res := b.res
	s.mu.Unlock()

	if subscriberID != 0 {
		res.Unsubscribe(subscriberID)
	}
}

func (s *Session) handleRelease(msg message.Fields) {
	if s.deferIfPending(msg.ResourceID(), msg) {
		return
	}
	s.applyRelease(msg)
}

func (s *Session) applyRelease(msg message.Fields) {
	rid := msg.ResourceID()

	s.mu.Lock()
	b := s.bindings[rid]
	if b == nil {
		s.mu.Unlock()
		return
	}
	delete(s.bindings, rid)
	b.queue = nil
	s.mu.Unlock()

	s.releaseBinding(b)
}

func (s *Session) handleLogin(msg message.Fields) {
	username := msg.String("username")
	password := msg.String("password")
	loginSeqNr := msg.Int64("loginSeqNr")

	submitted := s.opts.Workers.Submit(func() {
		if err := s.opts.Credentials.Verify(s.ctx, username, password); err != nil {
			metrics.LoginFailures.Inc()
			s.logger.Info().Str("username", username).Msg("Login rejected")
			s.sendLoginStatus("", false, "invalid username or password", loginSeqNr)
			return
		}
		s.SetUser(username)
		s.logger.Info().Str("username", username).Msg("Login")
		s.sendLoginStatus(username, true, "", loginSeqNr)
	})
	if !submitted {
		s.sendLoginStatus("", false, "server busy", loginSeqNr)
	}
}

func (s *Session) handleCreateAccount(msg message.Fields) {
	username := msg.String("username")
	password := msg.String("password")
	email := msg.String("email")
	loginSeqNr := msg.Int64("loginSeqNr")

	submitted := s.opts.Workers.Submit(func() {
		if err := s.opts.Credentials.Create(s.ctx, username, password, email); err != nil {
			s.logger.Info().Err(err).Str("username", username).Msg("Account creation rejected")
			s.sendLoginStatus("", false, accountFailureReason(err), loginSeqNr)
			return
		}
		s.SetUser(username)
		s.logger.Info().Str("username", username).Msg("Account created")
		s.sendLoginStatus(username, true, "", loginSeqNr)
	})
	if !submitted {
		s.sendLoginStatus("", false, "server busy", loginSeqNr)
	}
}

// accountFailureReason maps creation errors onto client-facing reasons
// without leaking store internals.
func accountFailureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrUserExists):
		return "username already taken"
	case errors.Is(err, auth.ErrBadEmail):
		return "malformed email address"
	case errors.Is(err, auth.ErrAddingDisabled):
		return "account creation is disabled"
	default:
		return "cannot create account"
	}
}

// handleLogout drops the identity and every binding that needs one.
func (s *Session) handleLogout(msg message.Fields) {
	s.mu.Lock()
	s.username = ""
	var victims []*binding
	for rid, b := range s.bindings {
		if b.public {
			continue
		}
		delete(s.bindings, rid)
		b.queue = nil
		victims = append(victims, b)
	}
	s.mu.Unlock()

	for _, b := range victims {
		s.releaseBinding(b)
	}
	s.logger.Info().Int("released", len(victims)).Msg("Logout")
}

func (s *Session) sendLoginStatus(username string, authenticated bool, reason string, loginSeqNr int64) {
	status := message.Fields{
		"type":          message.TypeLoginStatus,
		"username":      username,
		"authenticated": authenticated,
		"loginSeqNr":    loginSeqNr,
	}
	if reason != "" {
		status["reason"] = reason
	}
	s.conn.Send(0, status)
}

func (s *Session) sendResourceError(rid int64, reason string) {
	s.conn.Send(rid, message.Fields{
		"type":   message.TypeResourceUpdate,
		"error":  true,
		"reason": reason,
	})
}

// sendUpdate encodes one update batch for this connection and queues it,
// preceded by a define message when the encoding minted new identifier
// definitions. Runs on the owning resource's goroutine, so a binding's
// encode path is single-threaded.
func (s *Session) sendUpdate(rid int64, b *binding, updates []resource.Update, revision int64) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("session: connection closed")
	}

	list := make([]interface{}, 0, len(updates))
	codec := b.res.Codec()
	ch := channelOf(b)
	for _, u := range updates {
		encoded, err := codec.EncodeUpdate(u, ch)
		if err != nil {
			return err
		}
		list = append(list, encoded)
	}

	if b.channel != nil && b.channel.HasPending() {
		defs := b.channel.TakePending()
		defList := make([]interface{}, len(defs))
		for i, def := range defs {
			defList[i] = def.MarshalWire()
		}
		s.conn.Send(rid, message.Fields{
			"type": message.TypeDefine,
			"list": defList,
		})
	}

	s.conn.Send(rid, message.Fields{
		"type":     message.TypeResourceUpdate,
		"update":   list,
		"revision": revision,
	})
	return nil
}

// channelOf exposes the binding's identifier channel as the codec
// interface, nil for families that carry no identifiers.
func channelOf(b *binding) xdr.Channel {
	if b.channel != nil {
		return b.channel
	}
	return nil
}

// subscriptionNotifier adapts one binding to the resource fan-out.
type subscriptionNotifier struct {
	session *Session
	rid     int64
	binding *binding
}

func (n *subscriptionNotifier) NotifyUpdate(updates []resource.Update, revision int64) error {
	return n.session.sendUpdate(n.rid, n.binding, updates, revision)
}
