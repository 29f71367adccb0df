package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/sllt/pgsession/pkg/pgsession"
	"github.com/sllt/pgsession/pkg/pgsession/config"
	"github.com/sllt/pgsession/pkg/pgsession/logging"
	"github.com/sllt/pgsession/pkg/pgsession/metrics"
	"github.com/sllt/pgsession/pkg/pgsession/wire/pgxwire"
)

func main() {
	app := &cli.Command{
		Name:    "pgsession",
		Usage:   "Run statements through the session engine",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "dsn",
				Usage: "Connection string; defaults to the PG_DSN configuration key",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Folder holding the .env configuration files",
				Value: "configs",
			},
			&cli.IntFlag{
				Name:  "metrics-port",
				Usage: "Expose prometheus metrics on this port, 0 disables",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Log every statement and backend notice",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "query",
				Usage:     "Execute a statement and print its rows",
				ArgsUsage: "<sql>",
				Action:    runQuery,
			},
			{
				Name:      "copy-out",
				Usage:     "Stream a COPY ... TO STDOUT statement to standard output",
				ArgsUsage: "<sql>",
				Action:    runCopyOut,
			},
			{
				Name:      "copy-in",
				Usage:     "Stream standard input into a COPY ... FROM STDIN statement",
				ArgsUsage: "<sql>",
				Action:    runCopyIn,
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// connect dials the backend and assembles a session from the configuration
// and the global flags.
func connect(ctx context.Context, cmd *cli.Command) (*pgsession.Conn, error) {
	cfg := config.New(cmd.String("config"))

	dsn := cmd.String("dsn")
	if dsn == "" {
		dsn = cfg.Get("PG_DSN")
	}

	if dsn == "" {
		return nil, fmt.Errorf("no connection string: pass --dsn or set PG_DSN")
	}

	client, err := pgxwire.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}

	conn := pgsession.New(client, pgsession.FromConfig(cfg)...)

	if cmd.Bool("debug") {
		conn.UseLogger(logging.NewStdLogger(logging.DEBUG))
	}

	if port := int(cmd.Int("metrics-port")); port > 0 {
		manager := metrics.NewManager()
		conn.UseMetrics(manager)

		go serveMetrics(port, manager)
	}

	return conn, nil
}

func serveMetrics(port int, manager *metrics.Manager) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           metrics.GetHandler(manager),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
	}
}

func runQuery(ctx context.Context, cmd *cli.Command) error {
	query := cmd.Args().First()
	if query == "" {
		return fmt.Errorf("please provide a statement, e.g.: pgsession query \"SELECT 1\"")
	}

	conn, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer conn.Close()

	curs := conn.Cursor()
	defer curs.Close()

	if err := conn.Execute(ctx, curs, query, false); err != nil {
		return err
	}

	if !curs.HasResult() {
		fmt.Println(curs.Status)
		return conn.Commit(ctx)
	}

	for i, col := range curs.Description {
		if i > 0 {
			fmt.Print("\t")
		}
		fmt.Print(col.Name)
	}
	fmt.Println()

	for row := int64(0); row < curs.Rowcount; row++ {
		for col := range curs.Description {
			if col > 0 {
				fmt.Print("\t")
			}

			v, verr := curs.Value(int(row), col)
			if verr != nil {
				return verr
			}

			if v == nil {
				fmt.Print("\\N")
			} else {
				fmt.Print(v)
			}
		}
		fmt.Println()
	}

	return conn.Commit(ctx)
}

func runCopyOut(ctx context.Context, cmd *cli.Command) error {
	query := cmd.Args().First()
	if query == "" {
		return fmt.Errorf("please provide a statement, e.g.: pgsession copy-out \"COPY t TO STDOUT\"")
	}

	conn, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer conn.Close()

	curs := conn.Cursor()
	curs.SetCopySink(os.Stdout)

	if err := conn.Execute(ctx, curs, query, false); err != nil {
		return err
	}

	return conn.Commit(ctx)
}

func runCopyIn(ctx context.Context, cmd *cli.Command) error {
	query := cmd.Args().First()
	if query == "" {
		return fmt.Errorf("please provide a statement, e.g.: pgsession copy-in \"COPY t FROM STDIN\"")
	}

	conn, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer conn.Close()

	curs := conn.Cursor()
	curs.SetCopySource(os.Stdin)

	if err := conn.Execute(ctx, curs, query, false); err != nil {
		return err
	}

	return conn.Commit(ctx)
}
