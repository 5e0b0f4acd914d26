package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"listshare/internal/apperr"
	"listshare/internal/client"
	"listshare/internal/debounce"
	dom "listshare/internal/domain"
	"listshare/internal/dto"
	"listshare/internal/store"

	"github.com/spf13/cobra"
)

// password returns the --password flag or reads one line from stdin.
func (e *env) password(cmd *cobra.Command, flag, prompt string) (string, error) {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v, nil
	}
	return e.readLine(prompt)
}

func newRegisterCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <username>",
		Short: "Create an account and log in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.authenticate(cmd, args[0], (*client.Client).Register)
		},
	}
	cmd.Flags().String("password", "", "Password (read from stdin when empty)")
	return cmd
}

func newLoginCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Log in and remember the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.authenticate(cmd, args[0], (*client.Client).Login)
		},
	}
	cmd.Flags().String("password", "", "Password (read from stdin when empty)")
	return cmd
}

type authFunc func(c *client.Client, ctx context.Context, username, password string) (dto.UserResponse, error)

func (e *env) authenticate(cmd *cobra.Command, username string, fn authFunc) error {
	pw, err := e.password(cmd, "password", "Password: ")
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	c, closeFn, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	u, err := fn(c, ctx, username, pw)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(e.stdout, "Logged in as %s (#%d).\n", u.Username, u.ID)
	return nil
}

func newLogoutCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, closeFn, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			if err := c.Logout(cmd.Context()); err != nil && !errors.Is(err, apperr.ErrUnauthorized) {
				return err
			}
			_, _ = fmt.Fprintln(e.stdout, "Logged out.")
			return nil
		},
	}
}

func newWhoamiCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, closeFn, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			if err := c.Resume(cmd.Context()); err != nil {
				return err
			}
			u := c.User()
			_, _ = fmt.Fprintf(e.stdout, "%s (#%d)\n", u.Username, u.ID)
			return nil
		},
	}
}

func newPasswdCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "Change your password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			oldPW, err := e.password(cmd, "old", "Current password: ")
			if err != nil {
				return err
			}
			newPW, err := e.password(cmd, "new", "New password: ")
			if err != nil {
				return err
			}
			c, closeFn, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			if err := c.Resume(cmd.Context()); err != nil {
				return err
			}
			if err := c.API.ChangePassword(cmd.Context(), oldPW, newPW); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(e.stdout, "Password changed.")
			return nil
		},
	}
	cmd.Flags().String("old", "", "Current password (read from stdin when empty)")
	cmd.Flags().String("new", "", "New password (read from stdin when empty)")
	return cmd
}

func newListsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "lists",
		Short: "Show every list you can see",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, closeFn, err := e.session(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			printLists(e.stdout, c)
			return nil
		},
	}
}

func newShowCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show [list]",
		Short: "Show a list, the selected one by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := e.session(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			l, err := findList(c, optional(args, 0))
			if err != nil {
				return err
			}
			printList(e.stdout, c, l)
			return nil
		},
	}
}

func newSelectCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "select <list>",
		Short: "Select the list item commands act on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := e.session(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			l, err := findList(c, args[0])
			if err != nil {
				return err
			}
			c.Selection.Select(cmd.Context(), l.ID)
			_, _ = fmt.Fprintf(e.stdout, "Selected %q.\n", l.Title)
			return nil
		},
	}
}

func newCreateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "create <title>",
		Short: "Create a list and select it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := e.session(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			l, err := c.Dispatcher.CreateList(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			c.Selection.Select(cmd.Context(), l.ID)
			_, _ = fmt.Fprintf(e.stdout, "Created %q.\n", l.Title)
			return nil
		},
	}
}

func newRenameCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <list> <title>",
		Short: "Rename a list",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := e.session(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			l, err := findList(c, args[0])
			if err != nil {
				return err
			}
			l, err = c.Dispatcher.RenameList(cmd.Context(), l.ID, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(e.stdout, "Renamed to %q.\n", l.Title)
			return nil
		},
	}
}

func newDeleteCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <list>",
		Short: "Delete a list you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := e.session(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			l, err := findList(c, args[0])
			if err != nil {
				return err
			}
			if err := c.Dispatcher.DeleteList(cmd.Context(), l.ID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(e.stdout, "Deleted %q.\n", l.Title)
			return nil
		},
	}
}

func newAddCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <text>",
		Short: "Add items; commas and newlines separate several",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withList(cmd, func(ctx context.Context, c *client.Client, l dom.List) error {
				ids, err := c.Dispatcher.AddItems(ctx, l.ID, strings.Join(args, " "))
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(e.stdout, "Added %d item(s) to %q.\n", len(ids), l.Title)
				return nil
			})
		},
	}
	cmd.Flags().StringP("list", "l", "", "List to act on instead of the selected one")
	return cmd
}

func newToggleCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toggle <item>",
		Short: "Mark an item done or not done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withItem(cmd, args[0], func(ctx context.Context, c *client.Client, l dom.List, it dom.Item) error {
				l, err := c.Dispatcher.ToggleItem(ctx, l.ID, it.ID)
				if err != nil {
					return err
				}
				printList(e.stdout, c, l)
				return nil
			})
		},
	}
	cmd.Flags().StringP("list", "l", "", "List to act on instead of the selected one")
	return cmd
}

func newEditCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <item> <text>",
		Short: "Change an item's text",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withItem(cmd, args[0], func(ctx context.Context, c *client.Client, l dom.List, it dom.Item) error {
				l, err := c.Dispatcher.EditItem(ctx, l.ID, it.ID, strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				printList(e.stdout, c, l)
				return nil
			})
		},
	}
	cmd.Flags().StringP("list", "l", "", "List to act on instead of the selected one")
	return cmd
}

func newRmCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <item>",
		Short: "Delete an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withItem(cmd, args[0], func(ctx context.Context, c *client.Client, l dom.List, it dom.Item) error {
				l, err := c.Dispatcher.DeleteItem(ctx, l.ID, it.ID)
				if err != nil {
					return err
				}
				printList(e.stdout, c, l)
				return nil
			})
		},
	}
	cmd.Flags().StringP("list", "l", "", "List to act on instead of the selected one")
	return cmd
}

func newReorderCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reorder <item>...",
		Short: "Reorder items; name every item in its new position",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withList(cmd, func(ctx context.Context, c *client.Client, l dom.List) error {
				ids := make([]string, len(args))
				for i, ref := range args {
					it, err := findItem(l, ref)
					if err != nil {
						return err
					}
					ids[i] = it.ID
				}
				l, err := c.Dispatcher.ReorderItems(ctx, l.ID, ids)
				if err != nil {
					return err
				}
				printList(e.stdout, c, l)
				return nil
			})
		},
	}
	cmd.Flags().StringP("list", "l", "", "List to act on instead of the selected one")
	return cmd
}

func newShareCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share <user>",
		Short: "Share a list by username or user id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			perm := dom.PermissionView
			if edit, _ := cmd.Flags().GetBool("edit"); edit {
				perm = dom.PermissionEdit
			}
			return e.withList(cmd, func(ctx context.Context, c *client.Client, l dom.List) error {
				id, name, err := findUser(ctx, c, args[0])
				if err != nil {
					return err
				}
				if _, err := c.Dispatcher.ShareList(ctx, l.ID, id, perm); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(e.stdout, "Shared %q with %s (%s).\n", l.Title, name, perm)
				return nil
			})
		},
	}
	cmd.Flags().StringP("list", "l", "", "List to act on instead of the selected one")
	cmd.Flags().Bool("edit", false, "Allow the user to change the list")
	return cmd
}

func newUnshareCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unshare [user]",
		Short: "Revoke a user's access, or leave a list shared with you",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withList(cmd, func(ctx context.Context, c *client.Client, l dom.List) error {
				id, name := c.UserID(), "yourself"
				if len(args) == 1 {
					var err error
					if id, name, err = findUser(ctx, c, args[0]); err != nil {
						return err
					}
				}
				if _, err := c.Dispatcher.UnshareList(ctx, l.ID, id); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(e.stdout, "Removed %s from %q.\n", name, l.Title)
				return nil
			})
		},
	}
	cmd.Flags().StringP("list", "l", "", "List to act on instead of the selected one")
	return cmd
}

func newSearchCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "search [query]",
		Short: "Find users to share with; without a query, search as you type",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			if err := c.Resume(cmd.Context()); err != nil {
				return err
			}
			if len(args) == 1 {
				return e.printUsers(cmd.Context(), c, args[0])
			}
			return e.interactiveSearch(cmd.Context(), c)
		},
	}
}

func (e *env) printUsers(ctx context.Context, c *client.Client, q string) error {
	users, err := c.API.SearchUsers(ctx, q)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		_, _ = fmt.Fprintf(e.stdout, "no users match %q\n", q)
		return nil
	}
	for _, u := range users {
		_, _ = fmt.Fprintf(e.stdout, "%d\t%s\n", u.ID, u.Username)
	}
	return nil
}

// interactiveSearch runs a lookup for each stdin line once typing pauses.
// Lines that arrive within the debounce window only search for the last one.
func (e *env) interactiveSearch(ctx context.Context, c *client.Client) error {
	var (
		mu       sync.Mutex
		searched string
	)
	run := func(q string) {
		mu.Lock()
		defer mu.Unlock()
		if q == searched {
			return
		}
		searched = q
		if err := e.printUsers(ctx, c, q); err != nil {
			_, _ = fmt.Fprintln(e.stderr, "search:", describe(err))
		}
	}
	d := debounce.New(e.cfg.SearchDebounce.Duration(), run)
	defer d.Stop()

	var last string
	for {
		line, err := e.readLine("")
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if q := strings.TrimSpace(line); q != "" {
			last = q
			d.Trigger(q)
		}
	}
	// Flush the final query rather than wait out the window.
	d.Stop()
	if last != "" {
		run(last)
	}
	return nil
}

func newWatchCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [list]",
		Short: "Follow a list live until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return e.watch(ctx, optional(args, 0))
		},
	}
}

func (e *env) watch(ctx context.Context, ref string) error {
	c, closeFn, err := e.session(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	l, err := findList(c, ref)
	if err != nil {
		return err
	}
	if err := c.Open(ctx, l.ID); err != nil {
		return err
	}

	var mu sync.Mutex
	printList(e.stdout, c, l)
	cancel := c.Store.Subscribe(func(ch store.Change) {
		if ch.ListID != l.ID {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if ch.Removed {
			_, _ = fmt.Fprintf(e.stdout, "%q is no longer available.\n", l.Title)
			return
		}
		if cur, ok := c.Store.Get(l.ID); ok {
			_, _ = fmt.Fprintln(e.stdout)
			printList(e.stdout, c, cur)
		}
	})
	defer cancel()

	err = c.Realtime.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// withList runs fn against the list named by --list or the selection.
func (e *env) withList(cmd *cobra.Command, fn func(context.Context, *client.Client, dom.List) error) error {
	ctx := cmd.Context()
	c, closeFn, err := e.session(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	ref, _ := cmd.Flags().GetString("list")
	l, err := findList(c, ref)
	if err != nil {
		return err
	}
	return fn(ctx, c, l)
}

func (e *env) withItem(cmd *cobra.Command, ref string, fn func(context.Context, *client.Client, dom.List, dom.Item) error) error {
	return e.withList(cmd, func(ctx context.Context, c *client.Client, l dom.List) error {
		it, err := findItem(l, ref)
		if err != nil {
			return err
		}
		return fn(ctx, c, l, it)
	})
}

func optional(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
