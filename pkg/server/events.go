package server

import (
	"time"

	"github.com/lwm2m-go/lwm2m-server/pkg/log"
	"github.com/lwm2m-go/lwm2m-server/pkg/observation"
	"github.com/lwm2m-go/lwm2m-server/pkg/presence"
	"github.com/lwm2m-go/lwm2m-server/pkg/queue"
	"github.com/lwm2m-go/lwm2m-server/pkg/registration"
	"github.com/lwm2m-go/lwm2m-server/pkg/transport"
)

func (s *Server) newEvent(category log.Category, reg *registration.Registration) log.Event {
	e := log.NewEvent(category)
	e.Timestamp = s.clock()
	if reg != nil {
		e.RegistrationID = reg.ID
		e.Endpoint = reg.Endpoint
		if !reg.Peer.IsZero() {
			e.Peer = reg.Peer.String()
		}
	}
	return e
}

func (s *Server) logRegistration(action log.RegistrationAction, reg *registration.Registration, previousID string) {
	e := s.newEvent(log.CategoryRegistration, reg)
	e.Registration = &log.RegistrationEvent{
		Action:     action,
		Lifetime:   reg.Lifetime,
		Binding:    reg.Binding.String(),
		PreviousID: previousID,
	}
	s.events.Log(e)
}

func (s *Server) logPresence(reg *registration.Registration, from, to presence.State) {
	e := s.newEvent(log.CategoryPresence, reg)
	e.StateChange = &log.StateChangeEvent{OldState: from.String(), NewState: to.String()}
	s.events.Log(e)
}

func (s *Server) logRequest(reg *registration.Registration, req transport.Request, result *queue.PendingResult, d time.Duration) {
	e := s.newEvent(log.CategoryRequest, reg)
	re := &log.RequestEvent{
		Operation: req.Operation.String(),
		Path:      req.Path.String(),
		Outcome:   result.State().String(),
		Duration:  &d,
	}
	if resp, err := result.Result(); err == nil {
		re.Code = resp.Code.String()
	}
	e.Request = re
	s.events.Log(e)
}

func (s *Server) logNotification(n observation.Notification) {
	reg, _ := s.registrations.GetByID(n.RegistrationID)
	e := s.newEvent(log.CategoryNotification, reg)
	e.RegistrationID = n.RegistrationID
	e.Notification = log.NewNotificationEvent(n.Path.String(), n.Value, n.Periodic)
	s.events.Log(e)
}

func (s *Server) logError(regID string, err error, context string) {
	reg, _ := s.registrations.GetByID(regID)
	e := s.newEvent(log.CategoryError, reg)
	e.RegistrationID = regID
	e.Error = &log.ErrorEventData{Message: err.Error(), Context: context}
	s.events.Log(e)
}

func actionForReason(r registration.Reason) log.RegistrationAction {
	switch r {
	case registration.ReasonExpired:
		return log.ActionExpired
	case registration.ReasonReplaced:
		return log.ActionReplaced
	default:
		return log.ActionDeregistered
	}
}
