package instance

import (
	"github.com/roach88/substrate/internal/ident"
	"github.com/roach88/substrate/internal/value"
)

// GiveMsgWait registers interest in the next GIVE for id and returns a
// channel that yields its payload once. Callers that stop waiting should
// call CancelGiveWait.
func (i *Instance) GiveMsgWait(id ident.ID) <-chan value.Value {
	id = i.normalize(id)
	ch := make(chan value.Value, 1)

	i.waitMu.Lock()
	key := id.String()
	i.giveWaits[key] = append(i.giveWaits[key], ch)
	i.waitMu.Unlock()

	return ch
}

// CancelGiveWait removes a waiter returned by GiveMsgWait.
func (i *Instance) CancelGiveWait(id ident.ID, ch <-chan value.Value) {
	key := i.normalize(id).String()

	i.waitMu.Lock()
	defer i.waitMu.Unlock()

	waiters := i.giveWaits[key]
	for j, w := range waiters {
		if w == ch {
			waiters = append(waiters[:j], waiters[j+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(i.giveWaits, key)
	} else {
		i.giveWaits[key] = waiters
	}
}

// resolveGive delivers v to every waiter for id and returns how many
// there were.
func (i *Instance) resolveGive(id ident.ID, v value.Value) int {
	key := id.String()

	i.waitMu.Lock()
	waiters := i.giveWaits[key]
	delete(i.giveWaits, key)
	i.waitMu.Unlock()

	for _, w := range waiters {
		w <- v // capacity 1, used once
	}
	return len(waiters)
}

// CreateMsgWait registers for the next CREATE-REPLY. Replies resolve
// waiters oldest first.
func (i *Instance) CreateMsgWait() <-chan ident.ID {
	ch := make(chan ident.ID, 1)

	i.waitMu.Lock()
	i.createWaits = append(i.createWaits, ch)
	i.waitMu.Unlock()

	return ch
}

// CancelCreateWait removes a waiter returned by CreateMsgWait.
func (i *Instance) CancelCreateWait(ch <-chan ident.ID) {
	i.waitMu.Lock()
	defer i.waitMu.Unlock()

	for j, w := range i.createWaits {
		if w == ch {
			i.createWaits = append(i.createWaits[:j], i.createWaits[j+1:]...)
			return
		}
	}
}

// resolveCreate delivers id to the oldest create waiter.
func (i *Instance) resolveCreate(id ident.ID) bool {
	i.waitMu.Lock()
	if len(i.createWaits) == 0 {
		i.waitMu.Unlock()
		return false
	}
	w := i.createWaits[0]
	i.createWaits[0] = nil
	i.createWaits = i.createWaits[1:]
	i.waitMu.Unlock()

	w <- id
	return true
}
