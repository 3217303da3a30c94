// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

package parallel

// Wire message types. Requests travel caller→worker, responses worker→caller,
// channel messages travel in both directions. "return" is both a request (a
// generator return) and a response (a settled value); the direction of travel
// disambiguates.
const (
	typeCall   = "call"
	typeNext   = "next"
	typeReturn = "return"
	typeThrow  = "throw"

	typeYield = "yield"
	typeError = "error"
	typeGen   = "gen"

	typePush  = "push"
	typeClose = "close"

	typeOnline = "online"
)

// Message is the single envelope every transport carries. It is JSON
// serializable for transports that cross a process boundary; in-process
// transports pass it untouched, preserving structured values.
type Message struct {
	Type      string       `json:"type"`
	Script    string       `json:"script,omitempty"`
	BaseURL   string       `json:"baseUrl,omitempty"`
	Fn        string       `json:"fn,omitempty"`
	Args      []any        `json:"args,omitempty"`
	TaskID    uint64       `json:"taskId,omitempty"`
	Value     any          `json:"value,omitempty"`
	Error     *ErrorObject `json:"error,omitempty"`
	Done      bool         `json:"done,omitempty"`
	ChannelID uint64       `json:"channelId,omitempty"`
}

// dispatch routes one response from a worker connection. Messages that
// reference an unknown or already settled task are dropped: duplicate or late
// delivery must never surface into caller code.
func (rt *Runtime) dispatch(rec *workerRecord, msg *Message) {
	switch msg.Type {
	case typeGen:
		if t := rt.tasks.get(msg.TaskID); t != nil {
			t.ackGen()
		}
	case typeYield:
		t := rt.tasks.get(msg.TaskID)
		if t == nil {
			return
		}
		if msg.Done {
			// A final yield carries the generator's return value and settles
			// the task exactly like a plain return would.
			rt.finish(rec, t, outcome{value: msg.Value})
		} else {
			t.stream.applyPush(msg.Value)
		}
	case typeReturn:
		if t := rt.tasks.get(msg.TaskID); t != nil {
			rt.finish(rec, t, outcome{value: msg.Value})
		}
	case typeError:
		if t := rt.tasks.get(msg.TaskID); t != nil {
			rt.finish(rec, t, outcome{err: objectError(msg.Error)})
		}
	case typePush:
		rt.channelApply(msg.ChannelID, func(ch *Channel) {
			ch.applyPush(msg.Value)
		})
	case typeClose:
		rt.channelClose(msg.ChannelID, objectError(msg.Error))
	default:
		if rt.logger != nil {
			rt.logger.Debug("Dropping unrecognized message",
				"type", msg.Type,
				"taskId", msg.TaskID)
		}
	}
}

// finish settles a terminal response and releases the worker assignment,
// which in turn triggers the lazy pool sweep.
func (rt *Runtime) finish(rec *workerRecord, t *task, o outcome) {
	if !t.settle(o) {
		return
	}
	if o.err != nil {
		rt.metrics.taskSettled("error")
	} else {
		rt.metrics.taskSettled("return")
	}
	rt.pool.complete(t.id)
}
