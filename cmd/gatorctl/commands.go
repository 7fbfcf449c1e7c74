// cmd/gatorctl/commands.go
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"gatorlibrary/internal/catalog"
	"gatorlibrary/internal/clients"
	"gatorlibrary/internal/index"
	"gatorlibrary/internal/reservation"
)

const (
	defaultServer = "http://localhost:8081"
	serverEnv     = "GATORCTL_SERVER"
)

type rootOptions struct {
	server  string
	output  string
	retries uint
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "gatorctl",
		Short:         "Manage the gator library catalog",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := defaultServer
	if v, ok := os.LookupEnv(serverEnv); ok {
		server = v
	}
	root.PersistentFlags().StringVar(&opts.server, "server", server, "catalog server URL (env "+serverEnv+")")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "output format: table or json")
	root.PersistentFlags().UintVar(&opts.retries, "retries", 3, "attempts for rate-limited requests")

	root.AddCommand(
		newAddCmd(opts),
		newGetCmd(opts),
		newListCmd(opts),
		newNearestCmd(opts),
		newBorrowCmd(opts),
		newReturnCmd(opts),
		newDeleteCmd(opts),
		newReservationsCmd(opts),
		newFlipsCmd(opts),
	)
	return root
}

func (o *rootOptions) client() *clients.CatalogClient {
	return clients.NewCatalogClient(o.server, clients.WithRateLimitRetries(o.retries, 200*time.Millisecond))
}

func newAddCmd(opts *rootOptions) *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "add TITLE AUTHOR",
		Short: "Add a book; without --id the next free id is used",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			book, err := opts.client().AddBook(cmd.Context(), index.BookID(id), args[0], args[1])
			if err != nil {
				return err
			}
			return opts.printBooks(cmd.OutOrStdout(), book)
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "book id")
	return cmd
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBookID(args[0])
			if err != nil {
				return err
			}
			book, err := opts.client().GetBook(cmd.Context(), id)
			if err != nil {
				return err
			}
			return opts.printBooks(cmd.OutOrStdout(), book)
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every book in id order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			books, err := opts.client().ListBooks(cmd.Context())
			if err != nil {
				return err
			}
			return opts.printBooks(cmd.OutOrStdout(), books...)
		},
	}
}

func newNearestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "nearest TARGET",
		Short: "Show the book whose id is closest to TARGET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("target %q is not an integer", args[0])
			}
			book, err := opts.client().FindNearest(cmd.Context(), index.BookID(target))
			if err != nil {
				return err
			}
			return opts.printBooks(cmd.OutOrStdout(), book)
		},
	}
}

func newBorrowCmd(opts *rootOptions) *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "borrow PATRON ID",
		Short: "Borrow a book, or join its reservation queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patron, id, err := parsePatronAndBook(args)
			if err != nil {
				return err
			}
			prio := reservation.Priority(priority)
			if !prio.Valid() {
				return catalog.ErrInvalidPriority
			}
			resp, err := opts.client().Borrow(cmd.Context(), patron, id, prio)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: patron %d, book %d\n", resp.Result, patron, id)
			return nil
		},
	}
	cmd.Flags().IntVarP(&priority, "priority", "p", int(reservation.PriorityLow), "reservation priority, 1 (low) to 3 (high)")
	return cmd
}

func newReturnCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "return PATRON ID",
		Short: "Return a book; the next reservation is served at once",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patron, id, err := parsePatronAndBook(args)
			if err != nil {
				return err
			}
			resp, err := opts.client().Return(cmd.Context(), patron, id)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: patron %d, book %d\n", resp.Result, patron, id)
			if resp.NextPatronID != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "now borrowed by patron %d\n", *resp.NextPatronID)
			}
			return nil
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a book and cancel its reservations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBookID(args[0])
			if err != nil {
				return err
			}
			cancelled, err := opts.client().DeleteBook(cmd.Context(), id)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), catalog.DeleteResponse{Cancelled: cancelled})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "book %d deleted\n", id)
			if len(cancelled) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled reservations for patrons %v\n", cancelled)
			}
			return nil
		},
	}
}

func newReservationsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reservations ID",
		Short: "List a book's reservations in serving order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBookID(args[0])
			if err != nil {
				return err
			}
			queue, err := opts.client().Reservations(cmd.Context(), id)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), queue)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PATRON\tPRIORITY\tREQUESTED")
			for _, r := range queue {
				fmt.Fprintf(tw, "%d\t%d\t%s\n", r.PatronID, r.Priority, r.RequestedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newFlipsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flips",
		Short: "Show how many color changes the index has made",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := opts.client().ColorFlips(cmd.Context())
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), catalog.ColorFlipsResponse{Count: n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Colour Flip Count: %d\n", n)
			return nil
		},
	}
}

func (o *rootOptions) printBooks(w io.Writer, books ...*catalog.Book) error {
	if o.output == "json" {
		if len(books) == 1 {
			return printJSON(w, books[0])
		}
		return printJSON(w, books)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tAUTHOR\tSTATUS\tBORROWED BY\tRESERVATIONS")
	for _, b := range books {
		holder := "-"
		if b.BorrowedBy != nil {
			holder = strconv.FormatInt(int64(*b.BorrowedBy), 10)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n", b.ID, b.Title, b.Author, b.Status, holder, b.Reservations)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseBookID(s string) (index.BookID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("book id %q: %w", s, catalog.ErrInvalidID)
	}
	return index.BookID(id), nil
}

func parsePatronAndBook(args []string) (index.PatronID, index.BookID, error) {
	patron, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || patron <= 0 {
		return 0, 0, fmt.Errorf("patron id %q: %w", args[0], catalog.ErrInvalidPatron)
	}
	id, err := parseBookID(args[1])
	if err != nil {
		return 0, 0, err
	}
	return index.PatronID(patron), id, nil
}
