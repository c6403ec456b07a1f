package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/puyokura/cmpprelay/relay"
	"github.com/puyokura/cmpprelay/retention"
	"github.com/puyokura/cmpprelay/store"
)

// errStop ends the console loop.
var errStop = errors.New("stop requested")

type hubControl interface {
	Online(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (relay.Stats, error)
	Kick(ctx context.Context, identity string) (bool, error)
}

type banList interface {
	Ban(identity string) error
	Unban(identity string) error
}

// Console runs operator commands read from stdin.
type Console struct {
	hub     hubControl
	bans    banList
	counts  func() (store.Counts, error)
	purge   func() (int, error)
	started time.Time
	out     io.Writer
}

func (c *Console) Run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(c.out, "Server console ready. Type 'help' for commands.")
	for scanner.Scan() {
		if err := c.Exec(ctx, scanner.Text()); errors.Is(err, errStop) {
			return
		}
	}
}

// Exec runs one command line. It returns errStop for "stop".
func (c *Console) Exec(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd := parts[0]
	args := parts[1:]

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch cmd {
	case "help":
		fmt.Fprintln(c.out, "Available commands: who, kick <identity>, ban <identity>, unban <identity>, stats, purge, stop")
	case "stop":
		fmt.Fprintln(c.out, "Stopping server...")
		return errStop
	case "who":
		ids, err := c.hub.Online(ctx)
		if err != nil {
			return c.fail("who", err)
		}
		if len(ids) == 0 {
			fmt.Fprintln(c.out, "Nobody is online.")
			return nil
		}
		fmt.Fprintf(c.out, "%d online: %s\n", len(ids), strings.Join(ids, ", "))
	case "kick":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: kick <identity>")
			return nil
		}
		kicked, err := c.hub.Kick(ctx, args[0])
		if err != nil {
			return c.fail("kick", err)
		}
		if kicked {
			fmt.Fprintln(c.out, "User kicked.")
		} else {
			fmt.Fprintln(c.out, "User not found.")
		}
	case "ban":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: ban <identity>")
			return nil
		}
		if err := c.bans.Ban(args[0]); err != nil {
			return c.fail("ban", err)
		}
		fmt.Fprintln(c.out, "User banned.")
		if _, err := c.hub.Kick(ctx, args[0]); err != nil {
			return c.fail("kick", err)
		}
	case "unban":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: unban <identity>")
			return nil
		}
		if err := c.bans.Unban(args[0]); err != nil {
			return c.fail("unban", err)
		}
		fmt.Fprintln(c.out, "User unbanned.")
	case "stats":
		return c.stats(ctx)
	case "purge":
		n, err := c.purge()
		if errors.Is(err, retention.ErrRunning) {
			fmt.Fprintln(c.out, "A purge is already running.")
			return nil
		}
		if err != nil {
			return c.fail("purge", err)
		}
		fmt.Fprintf(c.out, "Purged %s messages.\n", humanize.Comma(int64(n)))
	default:
		fmt.Fprintln(c.out, "Unknown command.")
	}
	return nil
}

func (c *Console) stats(ctx context.Context) error {
	st, err := c.hub.Stats(ctx)
	if err != nil {
		return c.fail("stats", err)
	}
	counts, err := c.counts()
	if err != nil {
		return c.fail("stats", err)
	}
	fmt.Fprintf(c.out, "Up since %s (%s)\n", c.started.Format(time.DateTime), humanize.Time(c.started))
	fmt.Fprintf(c.out, "Online: %s identities, %s connections\n",
		humanize.Comma(int64(st.Online)), humanize.Comma(int64(st.Connections)))
	fmt.Fprintf(c.out, "Stored: %s accounts, %s chats, %s messages\n",
		humanize.Comma(int64(counts.Accounts)), humanize.Comma(int64(counts.Chats)), humanize.Comma(int64(counts.Messages)))
	return nil
}

func (c *Console) fail(cmd string, err error) error {
	fmt.Fprintf(c.out, "Error in %s: %v\n", cmd, err)
	return err
}

// kickBanned disconnects online identities that banned now reports. A ban
// added by editing the config file only refuses future joins otherwise.
func kickBanned(ctx context.Context, hub hubControl, banned func(string) bool) ([]string, error) {
	online, err := hub.Online(ctx)
	if err != nil {
		return nil, err
	}
	var kicked []string
	for _, id := range online {
		if !banned(id) {
			continue
		}
		ok, err := hub.Kick(ctx, id)
		if err != nil {
			return kicked, err
		}
		if ok {
			kicked = append(kicked, id)
		}
	}
	return kicked, nil
}
