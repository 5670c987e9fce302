package engine

import (
	"sort"
	"strconv"

	"github.com/roach88/ddp/internal/wire"
)

// ResultFunc receives a method's outcome exactly once. err is a
// *wire.Error when the server rejected the call, or an *Error when the
// engine gave up on it.
type ResultFunc func(result any, err error)

// UpdateFunc fires once the server reports the method's writes applied.
// err is nil on a real updated message and an *Error when the engine gave
// up on the call first.
type UpdateFunc func(err error)

// SubscriptionFunc fires at most once per subscription: nil on ready, the
// server's error on nosub, or an *Error when the engine gave up on it.
type SubscriptionFunc func(err error)

type requestKind int

const (
	kindMethod requestKind = iota + 1
	kindSubscription
)

func (k requestKind) String() string {
	if k == kindSubscription {
		return "subscription"
	}
	return "method"
}

// pendingRequest is one outstanding method call or subscription.
//
// A method stays pending until its result and, when onUpdate is set, its
// updated notice have both arrived. A subscription stays pending until
// ready or nosub. Every callback fires at most once.
type pendingRequest struct {
	id    string
	kind  requestKind
	frame wire.Message

	onResult ResultFunc
	onUpdate UpdateFunc
	onReady  SubscriptionFunc

	resultDone bool
	updateDone bool
	readyDone  bool
}

func newMethodRequest(id string, frame wire.Message, onResult ResultFunc, onUpdate UpdateFunc) *pendingRequest {
	return &pendingRequest{
		id:         id,
		kind:       kindMethod,
		frame:      frame,
		onResult:   onResult,
		onUpdate:   onUpdate,
		updateDone: onUpdate == nil,
	}
}

func newSubscriptionRequest(id string, frame wire.Message, onReady SubscriptionFunc) *pendingRequest {
	return &pendingRequest{
		id:      id,
		kind:    kindSubscription,
		frame:   frame,
		onReady: onReady,
	}
}

// resolve delivers a method result. Returns false if already delivered.
func (r *pendingRequest) resolve(result any, err error) bool {
	if r.kind != kindMethod || r.resultDone {
		return false
	}
	r.resultDone = true
	if r.onResult != nil {
		r.onResult(result, err)
	}
	return true
}

// updated delivers a method's updated notice. Returns false if already
// delivered or nobody asked for it.
func (r *pendingRequest) updated(err error) bool {
	if r.kind != kindMethod || r.updateDone {
		return false
	}
	r.updateDone = true
	r.onUpdate(err)
	return true
}

// settle delivers a subscription's ready or nosub. Returns false if
// already delivered.
func (r *pendingRequest) settle(err error) bool {
	if r.kind != kindSubscription || r.readyDone {
		return false
	}
	r.readyDone = true
	if r.onReady != nil {
		r.onReady(err)
	}
	return true
}

// fail fires every callback that has not fired yet with err.
func (r *pendingRequest) fail(err error) {
	switch r.kind {
	case kindMethod:
		r.resolve(nil, err)
		r.updated(err)
	case kindSubscription:
		r.settle(err)
	}
}

// done reports whether the request can leave the pending table.
func (r *pendingRequest) done() bool {
	if r.kind == kindSubscription {
		return r.readyDone
	}
	return r.resultDone && r.updateDone
}

// pendingTable maps request ids to their records. Owned by the Run loop.
type pendingTable map[string]*pendingRequest

// ordered returns the records sorted by numeric id, oldest first.
func (t pendingTable) ordered() []*pendingRequest {
	reqs := make([]*pendingRequest, 0, len(t))
	for _, r := range t {
		reqs = append(reqs, r)
	}
	sort.Slice(reqs, func(i, j int) bool {
		a, _ := strconv.ParseInt(reqs[i].id, 10, 64)
		b, _ := strconv.ParseInt(reqs[j].id, 10, 64)
		return a < b
	})
	return reqs
}
