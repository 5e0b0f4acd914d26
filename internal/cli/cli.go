// Package cli implements listctl, the command line front end of the sync core.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"listshare/internal/apperr"
	"listshare/internal/client"
	"listshare/internal/config"
	dom "listshare/internal/domain"

	"github.com/spf13/cobra"
)

// Execute runs listctl with the given arguments and returns the exit code.
func Execute(args []string, cfg config.ClientConfig, stdin io.Reader, stdout, stderr io.Writer) int {
	root := NewRoot(cfg, stdin, stdout, stderr)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(stderr, "Error:", describe(err))
		return 1
	}
	return 0
}

// env is shared by every command.
type env struct {
	cfg     config.ClientConfig
	stdin   *bufio.Reader
	stdout  io.Writer
	stderr  io.Writer
	verbose bool
}

// NewRoot creates the root command with injectable IO.
func NewRoot(cfg config.ClientConfig, stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	e := &env{cfg: cfg, stdin: bufio.NewReader(stdin), stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:           "listctl",
		Short:         "Shared to-do lists from the terminal",
		Long:          "listctl keeps a local view of your shared lists in sync with the backend.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&e.cfg.APIURL, "api", cfg.APIURL, "Backend API base URL")
	cmd.PersistentFlags().StringVar(&e.cfg.StatePath, "state", cfg.StatePath, "Local state database")
	cmd.PersistentFlags().BoolVarP(&e.verbose, "verbose", "V", false, "Enable debug logging")

	cmd.AddCommand(
		newRegisterCmd(e),
		newLoginCmd(e),
		newLogoutCmd(e),
		newWhoamiCmd(e),
		newPasswdCmd(e),
		newListsCmd(e),
		newShowCmd(e),
		newSelectCmd(e),
		newCreateCmd(e),
		newRenameCmd(e),
		newDeleteCmd(e),
		newAddCmd(e),
		newToggleCmd(e),
		newEditCmd(e),
		newRmCmd(e),
		newReorderCmd(e),
		newShareCmd(e),
		newUnshareCmd(e),
		newSearchCmd(e),
		newWatchCmd(e),
	)
	return cmd
}

func (e *env) logger() *slog.Logger {
	level := slog.LevelWarn
	if e.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(e.stderr, &slog.HandlerOptions{Level: level}))
}

// open builds a client without contacting the backend.
func (e *env) open(ctx context.Context) (*client.Client, func(), error) {
	c, err := client.New(ctx, e.cfg, e.logger())
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout.Duration()+time.Second)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			_, _ = fmt.Fprintln(e.stderr, "warning:", err)
		}
	}
	return c, closeFn, nil
}

// session builds a client for the saved login and loads every list.
func (e *env) session(ctx context.Context) (*client.Client, func(), error) {
	c, closeFn, err := e.open(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := c.Resume(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	if err := c.Sync(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	return c, closeFn, nil
}

// readLine reads one line from stdin, prompting on stderr.
func (e *env) readLine(prompt string) (string, error) {
	if prompt != "" {
		_, _ = fmt.Fprint(e.stderr, prompt)
	}
	line, err := e.stdin.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read %s: %w", strings.TrimSpace(strings.TrimSuffix(prompt, ":")), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// findList resolves a list reference: empty for the selection, a 1-based
// position in the lists output, an id, or a title.
func findList(c *client.Client, ref string) (dom.List, error) {
	if ref == "" {
		if l, ok := c.Selected(); ok {
			return l, nil
		}
		return dom.List{}, apperr.Validation("find list", "no list selected")
	}
	all := c.Store.All()
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(all) {
		return all[n-1], nil
	}
	if l, ok := c.Store.Get(ref); ok {
		return l, nil
	}
	var match []dom.List
	for _, l := range all {
		if strings.EqualFold(l.Title, ref) {
			match = append(match, l)
		}
	}
	switch len(match) {
	case 1:
		return match[0], nil
	case 0:
		return dom.List{}, apperr.New(apperr.KindNotFound, "find list", fmt.Errorf("no list %q", ref))
	default:
		return dom.List{}, apperr.Validation("find list", fmt.Sprintf("%d lists are titled %q; use the number or id", len(match), ref))
	}
}

// findItem resolves a 1-based position or an item id within l.
func findItem(l dom.List, ref string) (dom.Item, error) {
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(l.Items) {
		return l.Items[n-1], nil
	}
	if i := l.ItemIndex(ref); i >= 0 {
		return l.Items[i], nil
	}
	return dom.Item{}, apperr.New(apperr.KindNotFound, "find item", fmt.Errorf("no item %q in %q", ref, l.Title))
}

// findUser resolves a numeric id or an exact username.
func findUser(ctx context.Context, c *client.Client, ref string) (int64, string, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil && id > 0 {
		return id, ref, nil
	}
	users, err := c.API.SearchUsers(ctx, ref)
	if err != nil {
		return 0, "", err
	}
	for _, u := range users {
		if strings.EqualFold(u.Username, ref) {
			return u.ID, u.Username, nil
		}
	}
	return 0, "", apperr.New(apperr.KindNotFound, "find user", fmt.Errorf("no user %q", ref))
}

func roleName(l dom.List, userID int64) string {
	switch l.RoleOf(userID) {
	case dom.RoleOwner:
		return "owner"
	case dom.RoleEditor:
		return "edit"
	case dom.RoleViewer:
		return "view"
	default:
		return "none"
	}
}

func printLists(w io.Writer, c *client.Client) {
	all := c.Store.All()
	if len(all) == 0 {
		_, _ = fmt.Fprintln(w, "No lists.")
		return
	}
	selected := c.Selection.Current()
	for i, l := range all {
		mark := " "
		if l.ID == selected {
			mark = "*"
		}
		done := 0
		for _, it := range l.Items {
			if it.Completed {
				done++
			}
		}
		_, _ = fmt.Fprintf(w, "%s %d. %s  (%d/%d done, %s)\n", mark, i+1, l.Title, done, len(l.Items), roleName(l, c.UserID()))
	}
}

func printList(w io.Writer, c *client.Client, l dom.List) {
	_, _ = fmt.Fprintf(w, "%s  (v%d, %s)\n", l.Title, l.Version, roleName(l, c.UserID()))
	if err := c.Store.Invalid(l.ID); err != nil {
		_, _ = fmt.Fprintf(w, "  ! last update could not be read: %v\n", err)
	}
	if len(l.Items) == 0 {
		_, _ = fmt.Fprintln(w, "  (empty)")
	}
	for i, it := range l.Items {
		box := "[ ]"
		if it.Completed {
			box = "[x]"
		}
		_, _ = fmt.Fprintf(w, "  %d. %s %s\n", i+1, box, it.Text)
	}
	if len(l.SharedWith) > 0 {
		parts := make([]string, len(l.SharedWith))
		for i, s := range l.SharedWith {
			name := s.Username
			if name == "" {
				name = "#" + strconv.FormatInt(s.UserID, 10)
			}
			parts[i] = fmt.Sprintf("%s (%s)", name, s.Permission)
		}
		_, _ = fmt.Fprintf(w, "  shared with: %s\n", strings.Join(parts, ", "))
	}
}

// describe turns sync core errors into short user-facing messages.
func describe(err error) string {
	switch {
	case errors.Is(err, apperr.ErrUnauthorized):
		return "not logged in (run listctl login): " + err.Error()
	case errors.Is(err, apperr.ErrNetwork):
		return "backend unreachable: " + err.Error()
	case errors.Is(err, apperr.ErrConflict):
		return "the list changed elsewhere and was reloaded; try again: " + err.Error()
	default:
		return err.Error()
	}
}
