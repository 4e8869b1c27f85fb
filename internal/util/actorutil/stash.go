package actorutil

import (
	"github.com/asynkron/protoactor-go/actor"
)

// Stash holds messages an actor cannot handle in its current behaviour.
type Stash struct {
	elems []stashed
}

type stashed struct {
	msg    any
	sender *actor.PID
}

func (s *Stash) Stash(ctx actor.Context, msg any) {
	s.elems = append(s.elems, stashed{
		msg:    msg,
		sender: ctx.Sender(),
	})
}

// UnstashAll re-sends every stashed message to self, keeping the original sender.
func (s *Stash) UnstashAll(ctx actor.Context) {
	for _, e := range s.elems {
		ctx.RequestWithCustomSender(ctx.Self(), e.msg, e.sender)
	}
	s.elems = nil
}

func (s *Stash) UnstashOldest(ctx actor.Context) {
	if len(s.elems) == 0 {
		return
	}
	first := s.elems[0]
	ctx.RequestWithCustomSender(ctx.Self(), first.msg, first.sender)
	s.elems = s.elems[1:]
}
