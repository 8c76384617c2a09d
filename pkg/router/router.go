package router

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/presence"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
)

// Sender delivers a message to a connected agent's session. Returns
// false when the agent has no live session; the router then falls back
// to the mailbox.
type Sender interface {
	SendMessage(agentID string, msg *types.Message) bool
}

// Config bounds mailbox retention.
type Config struct {
	TTL time.Duration // entries older than this are evicted
	Cap int           // FIFO cap per recipient
}

// Router delivers inter-agent messages: direct to a session, broadcast
// to all sessions, or to a named channel's subscribers. Undeliverable
// direct messages queue in the recipient's durable mailbox, keyed by a
// monotonic per-recipient sequence.
type Router struct {
	mu       sync.Mutex
	table    *storage.Table
	presence *presence.Cache
	sender   Sender
	cfg      Config

	// seqs holds the last sequence issued per recipient, seeded from
	// the table at startup.
	seqs     map[string]uint64
	channels map[string]map[string]struct{} // channel → subscriber set
}

// New loads mailbox sequence state and returns the router.
func New(store *storage.Store, pres *presence.Cache, cfg Config) (*Router, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 72 * time.Hour
	}
	if cfg.Cap <= 0 {
		cfg.Cap = 500
	}

	r := &Router{
		table:    store.Table(storage.TableMailbox),
		presence: pres,
		cfg:      cfg,
		seqs:     make(map[string]uint64),
		channels: make(map[string]map[string]struct{}),
	}

	// Seed per-recipient sequence counters from the highest stored key.
	err := r.table.Scan(func(k, v []byte) error {
		recipient, seq, ok := splitKey(k)
		if !ok {
			return nil
		}
		if seq > r.seqs[recipient] {
			r.seqs[recipient] = seq
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load mailbox table: %w", err)
	}

	return r, nil
}

// SetSender attaches the live-session delivery path. Until set, every
// direct message queues in the mailbox.
func (r *Router) SetSender(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sender = s
}

// Route delivers one message according to its addressing: Channel set →
// channel fanout, To set → direct, neither → broadcast.
func (r *Router) Route(msg *types.Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = types.NowMillis()
	}

	switch {
	case msg.Channel != "":
		metrics.MessagesRouted.WithLabelValues("channel").Inc()
		return r.routeChannel(msg)
	case msg.To != "":
		metrics.MessagesRouted.WithLabelValues("direct").Inc()
		return r.routeDirect(msg)
	default:
		metrics.MessagesRouted.WithLabelValues("broadcast").Inc()
		return r.routeBroadcast(msg)
	}
}

func (r *Router) routeDirect(msg *types.Message) error {
	r.mu.Lock()
	sender := r.sender
	r.mu.Unlock()

	if sender != nil && sender.SendMessage(msg.To, msg) {
		return nil
	}
	return r.enqueue(msg.To, msg)
}

func (r *Router) routeBroadcast(msg *types.Message) error {
	r.mu.Lock()
	sender := r.sender
	r.mu.Unlock()

	if sender == nil {
		return nil
	}
	for _, snap := range r.presence.List() {
		if snap.AgentID == msg.From {
			continue
		}
		sender.SendMessage(snap.AgentID, msg)
	}
	return nil
}

func (r *Router) routeChannel(msg *types.Message) error {
	r.mu.Lock()
	subs := make([]string, 0, len(r.channels[msg.Channel]))
	for agentID := range r.channels[msg.Channel] {
		subs = append(subs, agentID)
	}
	sender := r.sender
	r.mu.Unlock()

	for _, agentID := range subs {
		if agentID == msg.From {
			continue
		}
		if sender != nil && sender.SendMessage(agentID, msg) {
			continue
		}
		if err := r.enqueue(agentID, msg); err != nil {
			logger := log.WithComponent("router")
			logger.Warn().
				Str("agent_id", agentID).
				Err(err).
				Msg("failed to queue channel message")
		}
	}
	return nil
}

// Subscribe adds an agent to a named channel.
func (r *Router) Subscribe(agentID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[channel] == nil {
		r.channels[channel] = make(map[string]struct{})
	}
	r.channels[channel][agentID] = struct{}{}
}

// Unsubscribe removes an agent from a channel.
func (r *Router) Unsubscribe(agentID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels[channel], agentID)
	if len(r.channels[channel]) == 0 {
		delete(r.channels, channel)
	}
}

// UnsubscribeAll removes an agent from every channel. Called when its
// session terminates.
func (r *Router) UnsubscribeAll(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch, subs := range r.channels {
		delete(subs, agentID)
		if len(subs) == 0 {
			delete(r.channels, ch)
		}
	}
}

// Poll returns queued messages for a recipient with seq > sinceSeq, in
// order, along with the highest seq returned. Expired entries are
// evicted on the way.
func (r *Router) Poll(recipient string, sinceSeq uint64) ([]*types.MailboxEntry, uint64, error) {
	cutoff := types.NowMillis() - r.cfg.TTL.Milliseconds()

	var out []*types.MailboxEntry
	var expired [][]byte
	maxSeq := sinceSeq

	prefix := keyPrefix(recipient)
	err := r.table.ScanPrefix(prefix, func(k, v []byte) error {
		_, seq, ok := splitKey(k)
		if !ok {
			return nil
		}
		var entry types.MailboxEntry
		if jsonErr := json.Unmarshal(v, &entry); jsonErr != nil {
			expired = append(expired, append([]byte(nil), k...))
			return nil
		}
		if entry.Message.Timestamp < cutoff {
			expired = append(expired, append([]byte(nil), k...))
			return nil
		}
		if seq <= sinceSeq {
			return nil
		}
		out = append(out, &entry)
		if seq > maxSeq {
			maxSeq = seq
		}
		return nil
	})
	if err != nil {
		// Read errors surface as an empty mailbox; recovery is underway.
		return nil, sinceSeq, nil
	}

	for _, k := range expired {
		_ = r.table.DeleteRaw(k)
	}
	return out, maxSeq, nil
}

// Depth returns the total number of undelivered entries across all
// recipients.
func (r *Router) Depth() int {
	n, err := r.table.Count()
	if err != nil {
		return 0
	}
	return n
}

// Pending returns the number of queued entries for a recipient.
func (r *Router) Pending(recipient string) int {
	n := 0
	_ = r.table.ScanPrefix(keyPrefix(recipient), func(k, v []byte) error {
		n++
		return nil
	})
	return n
}

// enqueue appends a message to the recipient's mailbox and enforces the
// FIFO cap.
func (r *Router) enqueue(recipient string, msg *types.Message) error {
	r.mu.Lock()
	r.seqs[recipient]++
	seq := r.seqs[recipient]
	r.mu.Unlock()

	entry := &types.MailboxEntry{
		Recipient: recipient,
		Seq:       seq,
		Message:   *msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal mailbox entry: %w", err)
	}
	if err := r.table.PutRaw(mailboxKey(recipient, seq), data); err != nil {
		return err
	}

	r.enforceCap(recipient)
	return nil
}

// enforceCap drops the oldest entries beyond the per-recipient cap.
func (r *Router) enforceCap(recipient string) {
	var keys [][]byte
	_ = r.table.ScanPrefix(keyPrefix(recipient), func(k, v []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	})
	for len(keys) > r.cfg.Cap {
		_ = r.table.DeleteRaw(keys[0])
		keys = keys[1:]
	}
}

// mailboxKey encodes (recipient, seq) with the seq big-endian so byte
// order equals numeric order.
func mailboxKey(recipient string, seq uint64) []byte {
	k := make([]byte, 0, len(recipient)+9)
	k = append(k, recipient...)
	k = append(k, 0x00)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return append(k, b[:]...)
}

func keyPrefix(recipient string) []byte {
	return append([]byte(recipient), 0x00)
}

func splitKey(k []byte) (recipient string, seq uint64, ok bool) {
	if len(k) < 9 {
		return "", 0, false
	}
	sep := len(k) - 9
	if k[sep] != 0x00 {
		return "", 0, false
	}
	return string(k[:sep]), binary.BigEndian.Uint64(k[sep+1:]), true
}
