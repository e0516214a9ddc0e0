package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"foliochat/internal/app/controller"
	"foliochat/internal/app/session"
	"foliochat/internal/backend"
	"foliochat/internal/backend/memory"
)

const helpText = `Commands:
  /login <email>                      email a magic link
  /password <email> <password>        sign in with a password
  /signup <email> <password> <name>   create an account
  /google                             print the Google sign-in URL
  /token <access-token>               sign in with a token from a magic link redirect
  /confirm <email>                    open the pending magic or sign-up link (--memory only)
  /logout                             sign out
  /refresh                            reload history and reconnect
  /demo                               switch to the demo chat
  /name <guest name>                  set the demo chat name
  /ok                                 run the action of the current notice
  /whoami                             show the signed-in user
  /quit                               leave
Any other line is sent to the room.`

// tokenAdopter is implemented by backends that accept an access token obtained elsewhere.
type tokenAdopter interface {
	AdoptToken(ctx context.Context, accessToken string) (*session.Session, error)
}

// repl reads commands from in and prints controller updates to out.
type repl struct {
	ctrl   *controller.Controller
	client backend.Client
	in     io.Reader

	// mu serializes writes to out and guards the render state.
	mu         sync.Mutex
	out        io.Writer
	seen       map[string]struct{}
	demoSeen   int
	state      controller.State
	status     string
	confirmed  string
	authorize  string
	stopUpdate func()
}

func newREPL(ctrl *controller.Controller, client backend.Client, in io.Reader, out io.Writer) *repl {
	r := &repl{
		ctrl:   ctrl,
		client: client,
		in:     in,
		out:    out,
		seen:   make(map[string]struct{}),
	}
	r.stopUpdate = ctrl.OnUpdate(r.render)
	return r
}

func (r *repl) close() {
	r.stopUpdate()
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// run processes input lines until EOF, /quit or ctx ends.
func (r *repl) run(ctx context.Context) error {
	r.render(r.ctrl.Snapshot())
	r.printf("Type /help for commands.\n")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := r.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the client should exit.
func (r *repl) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		r.report(r.send(ctx, line))
		return false
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	var err error
	switch name {
	case "/quit", "/exit":
		return true
	case "/help":
		r.printf("%s\n", helpText)
	case "/login":
		if len(args) != 1 {
			err = errors.New("usage: /login <email>")
			break
		}
		err = r.ctrl.LoginWithMagicLink(ctx, args[0])
	case "/password":
		if len(args) != 2 {
			err = errors.New("usage: /password <email> <password>")
			break
		}
		err = r.ctrl.LoginWithPassword(ctx, args[0], args[1])
	case "/signup":
		if len(args) < 3 {
			err = errors.New("usage: /signup <email> <password> <display name>")
			break
		}
		err = r.ctrl.SignUp(ctx, args[0], args[1], strings.Join(args[2:], " "))
	case "/google":
		err = r.ctrl.LoginWithProvider(ctx, backend.ProviderGoogle)
	case "/token":
		err = r.adopt(ctx, rest)
	case "/confirm":
		err = r.confirm(rest)
	case "/logout":
		err = r.ctrl.Logout(ctx)
	case "/refresh":
		err = r.ctrl.Refresh(ctx)
	case "/demo":
		r.ctrl.UseFallback()
	case "/name":
		err = r.ctrl.SetGuestName(rest)
	case "/ok":
		r.ctrl.TriggerAction()
	case "/whoami":
		snap := r.ctrl.Snapshot()
		if snap.Identity == nil {
			r.printf("Not signed in.\n")
		} else {
			r.printf("%s <%s>\n", snap.DisplayName, snap.Identity.Email)
		}
	default:
		err = fmt.Errorf("unknown command %s, try /help", name)
	}

	r.report(err)
	return false
}

// send posts to the room, or to the demo chat while it is shown and nobody is signed in.
func (r *repl) send(ctx context.Context, text string) error {
	snap := r.ctrl.Snapshot()
	if snap.ShowFallback && snap.State != controller.StateAuthenticated {
		_, err := r.ctrl.SendDemo(text)
		return err
	}
	return r.ctrl.Send(ctx, text)
}

func (r *repl) adopt(ctx context.Context, token string) error {
	adopter, ok := r.client.(tokenAdopter)
	if !ok {
		return errors.New("this backend does not accept access tokens")
	}
	if token == "" {
		return errors.New("usage: /token <access-token>")
	}
	_, err := adopter.AdoptToken(ctx, token)
	return err
}

func (r *repl) confirm(email string) error {
	mem, ok := r.client.(*memory.Backend)
	if !ok {
		return errors.New("/confirm only works with --memory; open the emailed link instead")
	}
	if _, err := mem.CompleteMagicLink(email); err == nil {
		return nil
	}
	if mem.ConfirmSignUp(email) {
		r.printf("* %s is confirmed. Sign in with /password.\n", email)
		return nil
	}
	return fmt.Errorf("no pending link for %s", email)
}

// report prints errors the controller does not already show as a notice.
func (r *repl) report(err error) {
	var be *backend.Error
	if err == nil || errors.As(err, &be) {
		return
	}
	r.printf("error: %v\n", err)
}

// render prints what changed since the previous snapshot.
func (r *repl) render(snap controller.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev := r.state; snap.State != prev {
		r.state = snap.State
		switch snap.State {
		case controller.StateAuthenticated:
			fmt.Fprintf(r.out, "* Signed in as %s.\n", snap.DisplayName)
		case controller.StateUnauthenticated:
			// a finished login attempt also lands here from Authenticating.
			if prev != controller.StateAuthenticating {
				fmt.Fprintf(r.out, "* Signed out. Use /login, /password, /signup or /google.\n")
			}
		case controller.StateBackendUnavailable:
			fmt.Fprintf(r.out, "* No chat server configured. Set a name with /name and chat in the demo room.\n")
		}
	}

	status := ""
	if snap.Status != nil {
		status = snap.Status.Title + ": " + snap.Status.Message
		if status != r.status {
			fmt.Fprintf(r.out, "! %s\n", status)
			for _, d := range snap.Status.Details {
				fmt.Fprintf(r.out, "  - %s\n", d)
			}
			if snap.Status.ActionText != "" {
				fmt.Fprintf(r.out, "  (/ok: %s)\n", snap.Status.ActionText)
			}
		}
	}
	r.status = status

	confirm := ""
	if snap.Confirmation != nil {
		confirm = snap.Confirmation.Email
		if confirm != r.confirmed {
			fmt.Fprintf(r.out, "* Check the inbox of %s and open the link.\n", confirm)
		}
	}
	r.confirmed = confirm

	if snap.AuthorizeURL != "" && snap.AuthorizeURL != r.authorize {
		fmt.Fprintf(r.out, "* Open %s to continue.\n", snap.AuthorizeURL)
	}
	r.authorize = snap.AuthorizeURL

	for _, m := range snap.Messages {
		if _, ok := r.seen[m.ID]; ok {
			continue
		}
		r.seen[m.ID] = struct{}{}
		fmt.Fprintf(r.out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), m.DisplayName, m.Text)
	}

	if snap.ShowFallback {
		for _, m := range snap.Fallback[min(r.demoSeen, len(snap.Fallback)):] {
			fmt.Fprintf(r.out, "[demo %s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), m.UserName, m.Text)
		}
		r.demoSeen = len(snap.Fallback)
	}
}
