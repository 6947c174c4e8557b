package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/vnykmshr/txqueue/pkg/txqueue"
)

// QueueView is the JSON form of a queue's statistics.
type QueueView struct {
	Name       string `json:"name"`
	Persistent bool   `json:"persistent"`
	Capacity   int    `json:"capacity"`
	Size       int    `json:"size"`
}

// ItemView is the JSON form of a queue item.
type ItemView struct {
	Index int    `json:"index"`
	Size  int    `json:"size"`
	Data  []byte `json:"data"`
}

// NewStatsCommand lists the queues of a working directory.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			m, err := openManager(cmd.Context(), opts, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, m.Dispose()) }()

			names, err := m.QueueNames()
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list queues", err)
			}
			s, err := m.Session()
			if err != nil {
				return WrapExitError(ExitFailure, "failed to open session", err)
			}
			defer s.Close()
			for _, name := range names {
				if _, err := s.GetQueue(name); err != nil {
					return WrapExitError(ExitFailure, fmt.Sprintf("failed to open queue %q", name), err)
				}
			}

			views := make([]QueueView, 0, len(names))
			for _, st := range m.Stats() {
				views = append(views, QueueView{
					Name:       st.Name,
					Persistent: st.Persistent,
					Capacity:   st.Capacity,
					Size:       st.Size,
				})
			}

			f := newFormatter(cmd, opts)
			if f.Format == "json" {
				return f.Success(views)
			}
			if len(views) == 0 {
				fmt.Fprintln(f.Writer, "No queues found.")
				return nil
			}
			w := tabwriter.NewWriter(f.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE\tPERSISTENT\tCAPACITY\tSIZE")
			for _, v := range views {
				capacity := "unbounded"
				if v.Capacity > 0 {
					capacity = strconv.Itoa(v.Capacity)
				}
				fmt.Fprintf(w, "%s\t%t\t%s\t%d\n", v.Name, v.Persistent, capacity, v.Size)
			}
			return w.Flush()
		},
	}
}

// NewPeekCommand shows the head items of a queue without consuming them.
// The items are taken inside a transaction that is rolled back.
func NewPeekCommand(opts *RootOptions) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "peek <queue>",
		Short: "Show the next items of a queue without consuming them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if count <= 0 {
				return NewExitError(ExitCommandError, "count must be positive")
			}
			m, err := openManager(cmd.Context(), opts, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, m.Dispose()) }()

			s, q, err := openQueue(m, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Begin(); err != nil {
				return WrapExitError(ExitFailure, "failed to begin transaction", err)
			}
			items, err := pollItems(cmd, q, count)
			if rbErr := s.Rollback(); rbErr != nil {
				err = multierr.Append(err, rbErr)
			}
			if err != nil {
				return WrapExitError(ExitFailure, "failed to peek", err)
			}
			return outputItems(newFormatter(cmd, opts), q.Name(), items)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 10, "number of items to show")
	return cmd
}

// NewPutCommand appends items to a queue in one transaction.
func NewPutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <queue> <item>...",
		Short: "Append items to a queue atomically",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			m, err := openManager(cmd.Context(), opts, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, m.Dispose()) }()

			s, q, err := openQueue(m, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Begin(); err != nil {
				return WrapExitError(ExitFailure, "failed to begin transaction", err)
			}
			for _, item := range args[1:] {
				ok, err := q.Offer(cmd.Context(), item, 0)
				if err == nil && !ok {
					err = fmt.Errorf("queue %q is full", q.Name())
				}
				if err != nil {
					return WrapExitError(ExitFailure, "failed to put", multierr.Append(err, s.Rollback()))
				}
			}
			if err := s.Commit(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "failed to commit", err)
			}

			f := newFormatter(cmd, opts)
			if f.Format == "json" {
				return f.Success(map[string]interface{}{"queue": q.Name(), "added": len(args) - 1})
			}
			fmt.Fprintf(f.Writer, "Added %d item(s) to %s\n", len(args)-1, q.Name())
			return nil
		},
	}
}

// NewDrainCommand removes every item of a queue.
func NewDrainCommand(opts *RootOptions) *cobra.Command {
	var discard bool

	cmd := &cobra.Command{
		Use:   "drain <queue>",
		Short: "Remove and print every item of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			m, err := openManager(cmd.Context(), opts, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, m.Dispose()) }()

			s, q, err := openQueue(m, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			f := newFormatter(cmd, opts)
			if discard {
				n, err := q.Purge()
				if err != nil {
					return WrapExitError(ExitFailure, "failed to purge", err)
				}
				if f.Format == "json" {
					return f.Success(map[string]interface{}{"queue": q.Name(), "removed": n})
				}
				fmt.Fprintf(f.Writer, "Removed %d item(s) from %s\n", n, q.Name())
				return nil
			}

			items, err := pollItems(cmd, q, -1)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to drain", err)
			}
			return outputItems(f, q.Name(), items)
		},
	}

	cmd.Flags().BoolVar(&discard, "discard", false, "purge without printing the items")
	return cmd
}

// NewRecoverCommand completes interrupted commits and compacts the journal.
func NewRecoverCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Complete interrupted commits and compact the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager(cmd.Context(), opts, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			if err := m.Stop(txqueue.ShutdownNormal); err != nil {
				return WrapExitError(ExitFailure, "failed to stop queue manager", multierr.Append(err, m.Dispose()))
			}
			if err := m.Dispose(); err != nil {
				return WrapExitError(ExitFailure, "failed to release queue manager", err)
			}

			f := newFormatter(cmd, opts)
			if f.Format == "json" {
				return f.Success(map[string]bool{"recovered": true})
			}
			fmt.Fprintln(f.Writer, "✓ Recovery completed")
			return nil
		},
	}
}

func openQueue(m *txqueue.Manager, name string) (*txqueue.Session, *txqueue.Queue, error) {
	s, err := m.Session()
	if err != nil {
		return nil, nil, WrapExitError(ExitFailure, "failed to open session", err)
	}
	q, err := s.GetQueue(name)
	if err != nil {
		_ = s.Close()
		return nil, nil, WrapExitError(ExitFailure, fmt.Sprintf("failed to open queue %q", name), err)
	}
	return s, q, nil
}

// pollItems takes up to limit items without waiting; a negative limit
// takes all of them.
func pollItems(cmd *cobra.Command, q *txqueue.Queue, limit int) ([][]byte, error) {
	var items [][]byte
	for limit < 0 || len(items) < limit {
		item, ok, err := q.Poll(cmd.Context(), 0)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		items = append(items, item.([]byte))
	}
	return items, nil
}

func outputItems(f *OutputFormatter, queue string, items [][]byte) error {
	if f.Format == "json" {
		views := make([]ItemView, len(items))
		for i, item := range items {
			views[i] = ItemView{Index: i + 1, Size: len(item), Data: item}
		}
		return f.Success(views)
	}
	if len(items) == 0 {
		fmt.Fprintf(f.Writer, "Queue %s is empty.\n", queue)
		return nil
	}
	for i, item := range items {
		fmt.Fprintf(f.Writer, "%d\t%d bytes\t%s\n", i+1, len(item), preview(item))
	}
	return nil
}
