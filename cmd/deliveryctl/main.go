// deliveryctl inspects and manages delivery state in a SQL store: scheduled
// command status rows and reservation rows.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	delivery "github.com/goliatone/go-delivery"
	"github.com/goliatone/go-delivery/config"
	"github.com/goliatone/go-delivery/reservation"
	"github.com/goliatone/go-delivery/store"

	_ "modernc.org/sqlite"
)

type reservationsListCmd struct {
	Scope string `arg:"" help:"Reservation scope."`
}

type reservationsCancelCmd struct {
	Scope string `arg:"" help:"Reservation scope."`
	Value string `arg:"" help:"Reserved value."`
	Owner string `arg:"" help:"Owner token holding the reservation."`
}

type commandsListCmd struct {
	Target string `help:"Filter by target id." optional:""`
	Status string `help:"Filter by status (scheduled, succeeded, failed)." optional:""`
	Limit  int    `help:"Maximum rows." default:"50"`
}

type cli struct {
	Config string `help:"Path to a YAML config file." short:"c" type:"path" optional:""`

	Reservations struct {
		List   reservationsListCmd   `cmd:"" help:"List reservations in a scope."`
		Cancel reservationsCancelCmd `cmd:"" help:"Cancel a reservation held by an owner."`
	} `cmd:"" help:"Inspect and manage reservations."`

	Commands struct {
		List commandsListCmd `cmd:"" help:"List scheduled command status rows."`
	} `cmd:"" help:"Inspect scheduled commands."`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("deliveryctl"),
		kong.Description("Inspect scheduled commands and reservations."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(flags.Config)
	if err != nil {
		kctx.FatalIfErrorf(err)
	}

	db, err := sql.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		kctx.FatalIfErrorf(fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err))
	}
	defer db.Close()

	ctx := context.Background()
	switch kctx.Command() {
	case "reservations list <scope>":
		err = listReservations(ctx, db, cfg, flags.Reservations.List)
	case "reservations cancel <scope> <value> <owner>":
		err = cancelReservation(ctx, db, cfg, flags.Reservations.Cancel)
	case "commands list":
		err = listCommands(ctx, db, cfg, flags.Commands.List)
	default:
		err = fmt.Errorf("unknown command %q", kctx.Command())
	}
	kctx.FatalIfErrorf(err)
}

func listReservations(ctx context.Context, db *sql.DB, cfg config.Config, cmd reservationsListCmd) error {
	st := reservation.NewSQLStore(db, reservation.WithTable(cfg.Storage.ReservationTable))
	rows, err := st.Candidates(ctx, cmd.Scope)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VALUE\tOWNER\tCONFIRMATION\tEXPIRES\tVERSION")
	for _, res := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			res.Value, res.OwnerToken, res.ConfirmationToken, formatExpiration(res.Expiration), res.Version)
	}
	return w.Flush()
}

func cancelReservation(ctx context.Context, db *sql.DB, cfg config.Config, cmd reservationsCancelCmd) error {
	st := reservation.NewSQLStore(db, reservation.WithTable(cfg.Storage.ReservationTable))
	svc, err := reservation.New(st, cfg.ReservationOptions()...)
	if err != nil {
		return err
	}

	ok, err := svc.Cancel(ctx, cmd.Value, cmd.Scope, cmd.Owner)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no reservation for %s/%s held by %s", cmd.Scope, cmd.Value, cmd.Owner)
	}
	fmt.Printf("canceled %s/%s\n", cmd.Scope, cmd.Value)
	return nil
}

func listCommands(ctx context.Context, db *sql.DB, cfg config.Config, cmd commandsListCmd) error {
	journal := store.NewSQLJournal(db, store.WithJournalTable(cfg.Storage.CommandTable))
	entries, err := journal.List(ctx, store.JournalQuery{
		TargetID: cmd.Target,
		Status:   delivery.ResultStatus(cmd.Status),
		Limit:    cmd.Limit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTARGET\tCOMMAND\tSTATUS\tATTEMPTS\tRETRY AT\tETAG\tLAST ERROR")
	for _, entry := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			entry.SequenceNumber, entry.TargetID, entry.CommandType, formatStatus(entry),
			entry.Attempts, formatTime(entry.RetryAt), entry.ETag, entry.LastError)
	}
	return w.Flush()
}

func formatStatus(entry store.CommandEntry) string {
	if entry.Canceled {
		return string(entry.Status) + " (canceled)"
	}
	return string(entry.Status)
}

func formatExpiration(at *time.Time) string {
	if at == nil {
		return "confirmed"
	}
	return at.Format(time.RFC3339)
}

func formatTime(at *time.Time) string {
	if at == nil {
		return "-"
	}
	return at.Format(time.RFC3339)
}
