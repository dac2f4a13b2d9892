package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"clearnode/internal/models"

	"github.com/shopspring/decimal"
)

type requestKey struct {
	signer  string
	payload string
}

// memData is the full state of a MemoryStore
type memData struct {
	channels    map[string]models.Channel
	sessions    map[string]models.AppSession
	sessionKeys map[string]models.SessionKey
	requests    map[requestKey]models.RPCRecord
	entries     []models.LedgerEntry
	txs         []models.LedgerTransaction
	lastID      uint
}

func newMemData() *memData {
	return &memData{
		channels:    make(map[string]models.Channel),
		sessions:    make(map[string]models.AppSession),
		sessionKeys: make(map[string]models.SessionKey),
		requests:    make(map[requestKey]models.RPCRecord),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.channels {
		c.channels[k] = v
	}
	for k, v := range d.sessions {
		c.sessions[k] = copySession(v)
	}
	for k, v := range d.sessionKeys {
		c.sessionKeys[k] = v
	}
	for k, v := range d.requests {
		c.requests[k] = v
	}
	c.entries = append([]models.LedgerEntry(nil), d.entries...)
	c.txs = append([]models.LedgerTransaction(nil), d.txs...)
	c.lastID = d.lastID
	return c
}

func (d *memData) nextID() uint {
	d.lastID++
	return d.lastID
}

func copySession(s models.AppSession) models.AppSession {
	s.Participants = append([]string(nil), s.Participants...)
	s.Weights = append([]int64(nil), s.Weights...)
	return s
}

// MemoryStore is an in-process Store used for development and tests.
// Transactions are serialised and rolled back by restoring a snapshot.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

func (m *MemoryStore) view() *memView { return &memView{root: m} }

func (m *MemoryStore) Channels() ChannelRepository { return memChannels{m.view()} }
func (m *MemoryStore) AppSessions() AppSessionRepository { return memSessions{m.view()} }
func (m *MemoryStore) Ledger() LedgerRepository { return memLedger{m.view()} }
func (m *MemoryStore) SessionKeys() SessionKeyRepository { return memKeys{m.view()} }
func (m *MemoryStore) Requests() RequestRepository { return memRequests{m.view()} }

func (m *MemoryStore) Tx(ctx context.Context, fn func(Store) error) error {
	return m.view().Tx(ctx, fn)
}

// memView is a handle on a MemoryStore. Outside a transaction every call
// takes the store lock; inside one the lock is already held.
type memView struct {
	root *MemoryStore
	inTx bool
}

func (v *memView) do(fn func(d *memData) error) error {
	if !v.inTx {
		v.root.mu.Lock()
		defer v.root.mu.Unlock()
	}
	return fn(v.root.data)
}

func (v *memView) Channels() ChannelRepository { return memChannels{v} }
func (v *memView) AppSessions() AppSessionRepository { return memSessions{v} }
func (v *memView) Ledger() LedgerRepository { return memLedger{v} }
func (v *memView) SessionKeys() SessionKeyRepository { return memKeys{v} }
func (v *memView) Requests() RequestRepository { return memRequests{v} }

// Tx holds the store lock for the whole of fn. Nested calls join the outer transaction.
func (v *memView) Tx(ctx context.Context, fn func(Store) error) error {
	if v.inTx {
		return fn(v)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	v.root.mu.Lock()
	defer v.root.mu.Unlock()

	snapshot := v.root.data.clone()
	if err := fn(&memView{root: v.root, inTx: true}); err != nil {
		v.root.data = snapshot
		return err
	}
	return nil
}

// channels

type memChannels struct{ v *memView }

func (c memChannels) Create(ctx context.Context, channel *models.Channel) error {
	return c.v.do(func(d *memData) error {
		if _, ok := d.channels[channel.ChannelID]; ok {
			return ErrDuplicate
		}
		now := time.Now()
		channel.CreatedAt, channel.UpdatedAt = now, now
		d.channels[channel.ChannelID] = *channel
		return nil
	})
}

func (c memChannels) GetByID(ctx context.Context, channelID string) (*models.Channel, error) {
	var out *models.Channel
	err := c.v.do(func(d *memData) error {
		ch, ok := d.channels[channelID]
		if !ok {
			return ErrNotFound
		}
		out = &ch
		return nil
	})
	return out, err
}

func (c memChannels) Update(ctx context.Context, channel *models.Channel) error {
	return c.v.do(func(d *memData) error {
		if _, ok := d.channels[channel.ChannelID]; !ok {
			return ErrNotFound
		}
		channel.UpdatedAt = time.Now()
		d.channels[channel.ChannelID] = *channel
		return nil
	})
}

func (c memChannels) selectChannels(match func(*models.Channel) bool) []*models.Channel {
	var out []*models.Channel
	_ = c.v.do(func(d *memData) error {
		for _, ch := range d.channels {
			ch := ch
			if match(&ch) {
				out = append(out, &ch)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (c memChannels) FindByWallet(ctx context.Context, wallet string, status models.ChannelStatus) ([]*models.Channel, error) {
	out := c.selectChannels(func(ch *models.Channel) bool {
		return ch.Wallet == wallet && (status == "" || ch.Status == status)
	})
	return window(out, Page{Desc: true}), nil
}

func (c memChannels) FindActive(ctx context.Context, wallet string, chainID uint64, token string) (*models.Channel, error) {
	out := c.selectChannels(func(ch *models.Channel) bool {
		return ch.Wallet == wallet && ch.ChainID == chainID &&
			strings.EqualFold(ch.Token, token) && ch.Status != models.ChannelStatusClosed
	})
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out[len(out)-1], nil
}

func (c memChannels) FindStale(ctx context.Context, status models.ChannelStatus, before time.Time) ([]*models.Channel, error) {
	out := c.selectChannels(func(ch *models.Channel) bool {
		return ch.Status == status && ch.UpdatedAt.Before(before)
	})
	return out, nil
}

func (c memChannels) List(ctx context.Context, status models.ChannelStatus, page Page) ([]*models.Channel, error) {
	out := c.selectChannels(func(ch *models.Channel) bool {
		return status == "" || ch.Status == status
	})
	return window(out, page), nil
}

// app sessions

type memSessions struct{ v *memView }

func (s memSessions) Create(ctx context.Context, session *models.AppSession) error {
	return s.v.do(func(d *memData) error {
		if _, ok := d.sessions[session.SessionID]; ok {
			return ErrDuplicate
		}
		now := time.Now()
		session.CreatedAt, session.UpdatedAt = now, now
		d.sessions[session.SessionID] = copySession(*session)
		return nil
	})
}

func (s memSessions) GetByID(ctx context.Context, sessionID string) (*models.AppSession, error) {
	var out *models.AppSession
	err := s.v.do(func(d *memData) error {
		session, ok := d.sessions[sessionID]
		if !ok {
			return ErrNotFound
		}
		session = copySession(session)
		out = &session
		return nil
	})
	return out, err
}

func (s memSessions) Update(ctx context.Context, session *models.AppSession) error {
	return s.v.do(func(d *memData) error {
		if _, ok := d.sessions[session.SessionID]; !ok {
			return ErrNotFound
		}
		session.UpdatedAt = time.Now()
		d.sessions[session.SessionID] = copySession(*session)
		return nil
	})
}

func (s memSessions) FindByParticipant(ctx context.Context, wallet string, status models.AppSessionStatus, page Page) ([]*models.AppSession, error) {
	var out []*models.AppSession
	_ = s.v.do(func(d *memData) error {
		for _, session := range d.sessions {
			if status != "" && session.Status != status {
				continue
			}
			for _, p := range session.Participants {
				if p == wallet {
					copied := copySession(session)
					out = append(out, &copied)
					break
				}
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	page.Desc = true
	return window(out, page), nil
}

// ledger

type memLedger struct{ v *memView }

func (l memLedger) CreateTransaction(ctx context.Context, tx *models.LedgerTransaction) error {
	return l.v.do(func(d *memData) error {
		tx.ID = d.nextID()
		tx.CreatedAt = time.Now()
		d.txs = append(d.txs, *tx)
		return nil
	})
}

func (l memLedger) CreateEntries(ctx context.Context, entries []*models.LedgerEntry) error {
	return l.v.do(func(d *memData) error {
		now := time.Now()
		for _, e := range entries {
			e.ID = d.nextID()
			e.CreatedAt = now
			d.entries = append(d.entries, *e)
		}
		return nil
	})
}

func (l memLedger) Balance(ctx context.Context, ref AccountRef, asset string) (decimal.Decimal, error) {
	total := decimal.Zero
	err := l.v.do(func(d *memData) error {
		for _, e := range d.entries {
			if e.AccountID == ref.ID && e.AccountType == ref.Type && e.Wallet == ref.Wallet && e.Asset == asset {
				total = total.Add(e.Credit).Sub(e.Debit)
			}
		}
		return nil
	})
	return total, err
}

func (l memLedger) Holdings(ctx context.Context, accountType models.AccountType, accountID string) ([]Holding, error) {
	type key struct{ wallet, asset string }
	sums := make(map[key]*sumRow)
	var order []key
	_ = l.v.do(func(d *memData) error {
		for _, e := range d.entries {
			if e.AccountID != accountID || e.AccountType != accountType {
				continue
			}
			k := key{e.Wallet, e.Asset}
			row, ok := sums[k]
			if !ok {
				row = &sumRow{Wallet: e.Wallet, Asset: e.Asset}
				sums[k] = row
				order = append(order, k)
			}
			row.Credit = row.Credit.Add(e.Credit)
			row.Debit = row.Debit.Add(e.Debit)
		}
		return nil
	})
	sort.Slice(order, func(i, j int) bool {
		if order[i].wallet == order[j].wallet {
			return order[i].asset < order[j].asset
		}
		return order[i].wallet < order[j].wallet
	})
	rows := make([]sumRow, 0, len(order))
	for _, k := range order {
		rows = append(rows, *sums[k])
	}
	return toHoldings(rows), nil
}

func (l memLedger) Entries(ctx context.Context, filter EntryFilter) ([]*models.LedgerEntry, error) {
	var out []*models.LedgerEntry
	_ = l.v.do(func(d *memData) error {
		for _, e := range d.entries {
			if filter.AccountID != "" && e.AccountID != filter.AccountID {
				continue
			}
			if filter.AccountType != "" && e.AccountType != filter.AccountType {
				continue
			}
			if filter.Wallet != "" && e.Wallet != filter.Wallet {
				continue
			}
			if filter.Asset != "" && e.Asset != filter.Asset {
				continue
			}
			e := e
			out = append(out, &e)
		}
		return nil
	})
	return window(out, filter.Page), nil
}

func (l memLedger) Transactions(ctx context.Context, filter TransactionFilter) ([]*models.LedgerTransaction, error) {
	var out []*models.LedgerTransaction
	_ = l.v.do(func(d *memData) error {
		for _, tx := range d.txs {
			if filter.AccountID != "" && tx.FromAccount != filter.AccountID && tx.ToAccount != filter.AccountID {
				continue
			}
			if filter.Asset != "" && tx.Asset != filter.Asset {
				continue
			}
			if filter.Type != "" && tx.Type != filter.Type {
				continue
			}
			tx := tx
			out = append(out, &tx)
		}
		return nil
	})
	return window(out, filter.Page), nil
}

// session keys

type memKeys struct{ v *memView }

func (k memKeys) Save(ctx context.Context, key *models.SessionKey) error {
	return k.v.do(func(d *memData) error {
		now := time.Now()
		if existing, ok := d.sessionKeys[key.Address]; ok {
			key.CreatedAt = existing.CreatedAt
		} else if key.CreatedAt.IsZero() {
			key.CreatedAt = now
		}
		key.UpdatedAt = now
		d.sessionKeys[key.Address] = *key
		return nil
	})
}

func (k memKeys) GetByAddress(ctx context.Context, address string) (*models.SessionKey, error) {
	var out *models.SessionKey
	err := k.v.do(func(d *memData) error {
		key, ok := d.sessionKeys[address]
		if !ok {
			return ErrNotFound
		}
		out = &key
		return nil
	})
	return out, err
}

func (k memKeys) FindByWallet(ctx context.Context, wallet string) ([]*models.SessionKey, error) {
	var out []*models.SessionKey
	_ = k.v.do(func(d *memData) error {
		for _, key := range d.sessionKeys {
			if key.Wallet == wallet {
				key := key
				out = append(out, &key)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (k memKeys) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := k.v.do(func(d *memData) error {
		for addr, key := range d.sessionKeys {
			if key.Expired(now) {
				delete(d.sessionKeys, addr)
				n++
			}
		}
		return nil
	})
	return n, err
}

// replay records

type memRequests struct{ v *memView }

func (r memRequests) Reserve(ctx context.Context, record *models.RPCRecord) error {
	return r.v.do(func(d *memData) error {
		k := requestKey{record.Signer, record.PayloadHash}
		if _, ok := d.requests[k]; ok {
			return ErrDuplicate
		}
		record.ID = d.nextID()
		record.CreatedAt = time.Now()
		d.requests[k] = *record
		return nil
	})
}

func (r memRequests) Release(ctx context.Context, signer, payloadHash string) error {
	return r.v.do(func(d *memData) error {
		delete(d.requests, requestKey{signer, payloadHash})
		return nil
	})
}

func (r memRequests) Prune(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := r.v.do(func(d *memData) error {
		for k, rec := range d.requests {
			if rec.CreatedAt.Before(before) {
				delete(d.requests, k)
				n++
			}
		}
		return nil
	})
	return n, err
}
