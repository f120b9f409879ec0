package agent

import (
	"errors"
	"log"

	"github.com/standardbeagle/pqi/internal/protocol"
	"github.com/standardbeagle/pqi/internal/session"
)

func (a *Agent) handleEnableInspect(_ *session.Session, cmd protocol.Command) error {
	opts := &protocol.InspectOptions{}
	if err := protocol.DecodeJSON(cmd, opts); err != nil {
		return err
	}
	a.options.Store(opts)
	a.inspecting.Store(true)
	return nil
}

func (a *Agent) handleDisableInspect(*session.Session, protocol.Command) error {
	a.inspecting.Store(false)
	return nil
}

func (a *Agent) handleSelectWidget(_ *session.Session, cmd protocol.Command) error {
	var ref protocol.ObjectRef
	if err := protocol.DecodeJSON(cmd, &ref); err != nil {
		return err
	}
	obj, err := a.lookup(ref.ID)
	if err != nil {
		return err
	}
	a.selectObject(obj)
	return nil
}

// handleExecCode runs the payload against the selected object. The outcome is
// always answered, as EXEC_CODE_RESULT or EXEC_CODE_ERROR.
func (a *Agent) handleExecCode(s *session.Session, cmd protocol.Command) error {
	obj, _, ok := a.Selected()
	if !ok {
		return s.Reply(cmd, a.factory.ExecCodeError(ErrNoSelection.Error()))
	}

	out, err := a.toolkit.Exec(obj, cmd.Payload)
	if err != nil {
		return s.Reply(cmd, a.factory.ExecCodeError(err.Error()))
	}
	return s.Reply(cmd, a.factory.ExecCodeResult(out))
}

func (a *Agent) handleSetHighlight(_ *session.Session, cmd protocol.Command) error {
	var req protocol.HighlightRequest
	if err := protocol.DecodeJSON(cmd, &req); err != nil {
		return err
	}
	obj, err := a.lookup(req.ID)
	if err != nil {
		return err
	}
	return a.toolkit.SetHighlight(obj, req.IsHighlight)
}

func (a *Agent) handleRequestWidgetInfo(s *session.Session, cmd protocol.Command) error {
	reply, err := a.widgetInfoReply(cmd)
	if err != nil {
		return a.replyFailure(s, cmd, err)
	}
	return s.Reply(cmd, reply)
}

func (a *Agent) widgetInfoReply(cmd protocol.Command) (protocol.Command, error) {
	var req protocol.InfoRequest
	if err := protocol.DecodeJSON(cmd, &req); err != nil {
		return protocol.Command{}, err
	}
	obj, err := a.lookup(req.ID)
	if err != nil {
		return protocol.Command{}, err
	}
	info, err := a.widgetInfo(obj, req.ID, req.Extra)
	if err != nil {
		return protocol.Command{}, err
	}
	return a.factory.WidgetInfo(info)
}

func (a *Agent) handleRequestChildrenInfo(s *session.Session, cmd protocol.Command) error {
	reply, err := a.childrenInfoReply(cmd)
	if err != nil {
		return a.replyFailure(s, cmd, err)
	}
	return s.Reply(cmd, reply)
}

func (a *Agent) childrenInfoReply(cmd protocol.Command) (protocol.Command, error) {
	var req protocol.InfoRequest
	if err := protocol.DecodeJSON(cmd, &req); err != nil {
		return protocol.Command{}, err
	}
	obj, err := a.lookup(req.ID)
	if err != nil {
		return protocol.Command{}, err
	}
	info, err := a.childrenInfo(obj, req.ID)
	if err != nil {
		return protocol.Command{}, err
	}
	return a.factory.ChildrenInfo(info)
}

// replyFailure answers a request that could not be served with REQUEST_ERROR
// so the inspector is not left waiting. err is still returned for logging.
func (a *Agent) replyFailure(s *session.Session, cmd protocol.Command, err error) error {
	if cmd.IsNotification() {
		return err
	}
	if rerr := s.Reply(cmd, a.factory.RequestError(err.Error())); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}

func (a *Agent) handleExit(s *session.Session, _ protocol.Command) error {
	log.Printf("[Agent] inspector requested exit")
	a.inspecting.Store(false)
	s.Shutdown()
	return nil
}
