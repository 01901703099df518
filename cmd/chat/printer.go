package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fitversal/coachchat/internal/services"
	"github.com/fitversal/coachchat/internal/session"
)

// printer writes each message once plus a line whenever the connection status changes.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	actor   services.Actor
	printed map[string]struct{}
	status  string
	header  bool
}

func newPrinter(w io.Writer, actor services.Actor) *printer {
	return &printer{w: w, actor: actor, printed: make(map[string]struct{})}
}

func (p *printer) render(snap session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.header && snap.Counterpart != nil {
		p.header = true
		title := ""
		if snap.Counterpart.Title != nil {
			title = " (" + *snap.Counterpart.Title + ")"
		}
		fmt.Fprintf(p.w, "== %s%s ==\n", snap.Counterpart.DisplayName, title)
	}

	if status := statusLine(snap); status != p.status {
		p.status = status
		fmt.Fprintf(p.w, "-- %s --\n", status)
	}

	for _, entry := range snap.Messages {
		if _, ok := p.printed[entry.ID]; ok {
			continue
		}
		p.printed[entry.ID] = struct{}{}
		fmt.Fprintln(p.w, p.formatEntry(entry))
	}
}

func (p *printer) formatEntry(entry session.Entry) string {
	who := string(entry.SenderRole)
	if entry.SenderID == p.actor.ID {
		who = "you"
	}

	line := fmt.Sprintf("[%s] %s: %s", entry.CreatedAt.Local().Format("15:04"), who, entry.Text)
	if entry.AttachmentName != nil {
		line += fmt.Sprintf(" [file %s", *entry.AttachmentName)
		if entry.AttachmentURL != nil {
			line += " " + *entry.AttachmentURL
		}
		line += "]"
	}
	if entry.PendingAttachment != "" {
		line += fmt.Sprintf(" [file %s]", entry.PendingAttachment)
	}
	if entry.Local {
		line += " (not delivered)"
	}
	return line
}

func statusLine(snap session.Snapshot) string {
	switch {
	case snap.Degraded:
		return "offline demo mode"
	case snap.State == session.StateLoading:
		return "loading"
	case !snap.Connected:
		return "reconnecting"
	default:
		return "connected"
	}
}
