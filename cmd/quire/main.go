// Command quire inspects, checks, queries and backs up quire stores.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jpl-au/quire"
)

var (
	configPath   string
	logLevel     string
	pagesPerStep int

	cfg *Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:               "quire",
		Short:             "Inspect and maintain quire stores",
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides the config file)")

	infoCmd := &cobra.Command{
		Use:   "info PATH",
		Short: "Show the classification and header of a store",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}
	checkCmd := &cobra.Command{
		Use:   "check PATH",
		Short: "Run the integrity check",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheck,
	}
	execCmd := &cobra.Command{
		Use:   "exec PATH STATEMENT...",
		Short: "Run statements and print their rows",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runExec,
	}
	backupCmd := &cobra.Command{
		Use:   "backup SRC DST",
		Short: "Copy SRC into DST",
		Args:  cobra.ExactArgs(2),
		RunE:  runBackup,
	}
	backupCmd.Flags().IntVar(&pagesPerStep, "pages", -1, "pages to copy per step (-1 copies everything at once)")

	rootCmd.AddCommand(infoCmd, checkCmd, execCmd, backupCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	if cfg, err = Load(configPath); err != nil {
		return err
	}
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	return nil
}

func open(path string) (*quire.DB, error) {
	sc, err := cfg.store()
	if err != nil {
		return nil, err
	}
	return quire.Open(afero.NewOsFs(), path, sc)
}

// report prefixes err with its result code.
func report(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", quire.CodeOf(err), err)
}

func runInfo(cmd *cobra.Command, args []string) error {
	path := args[0]
	fs := afero.NewOsFs()

	class, cerr := quire.Classify(fs, path)
	fmt.Printf("path:      %s\n", path)
	fmt.Printf("state:     %s\n", class)
	if info, err := fs.Stat(path); err == nil && !info.IsDir() {
		fmt.Printf("size:      %s\n", humanize.Bytes(uint64(info.Size())))
	}
	if cerr != nil || class != quire.ValidContainer {
		return report(cerr)
	}

	db, err := open(path)
	if err != nil {
		return report(err)
	}
	defer db.Close()

	hdr, err := db.Header()
	if err != nil {
		return report(err)
	}
	schema, err := db.Schema()
	if err != nil {
		return report(err)
	}
	alg := "xxh3"
	if hdr.Algorithm == quire.AlgBlake2b {
		alg = "blake2b"
	}
	fmt.Printf("id:        %s\n", hdr.ID)
	fmt.Printf("pages:     %s x %s\n", humanize.Comma(int64(hdr.Pages)), humanize.IBytes(uint64(hdr.PageSize)))
	fmt.Printf("counter:   %d\n", hdr.Counter)
	fmt.Printf("checksum:  %s\n", alg)
	for _, t := range schema.Tables {
		var cols []string
		for _, c := range t.Columns {
			cols = append(cols, c.Name)
		}
		fmt.Printf("table:     %s (%s)\n", t.Name, strings.Join(cols, ", "))
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	db, err := open(args[0])
	if err != nil {
		return report(err)
	}
	defer db.Close()

	if err := db.Check(); err != nil {
		return report(err)
	}
	fmt.Println("ok")
	return nil
}

func runExec(cmd *cobra.Command, args []string) error {
	db, err := open(args[0])
	if err != nil {
		return report(err)
	}
	defer db.Close()

	for _, text := range args[1:] {
		rows, err := db.Query(text)
		if err != nil {
			return report(err)
		}
		if len(rows.Columns) == 0 {
			continue
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader(rows.Columns)
		for _, r := range rows.Values {
			row := make([]string, len(r))
			for i, v := range r {
				if v == nil {
					row[i] = "NULL"
				} else {
					row[i] = fmt.Sprint(v)
				}
			}
			table.Append(row)
		}
		table.Render()
	}
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	src, err := open(args[0])
	if err != nil {
		return report(err)
	}
	defer src.Close()
	dst, err := open(args[1])
	if err != nil {
		return report(err)
	}
	defer dst.Close()

	b, err := quire.NewBackup(dst, "main", src, "main")
	if err != nil {
		return report(err)
	}
	for {
		done, err := b.Step(pagesPerStep)
		if err != nil {
			b.Finish()
			return report(err)
		}
		if done {
			break
		}
		log.WithFields(log.Fields{
			"copied": b.PageCount() - b.Remaining(),
			"total":  b.PageCount(),
		}).Info("backup in progress")
	}
	if err := b.Finish(); err != nil {
		return report(err)
	}

	hdr, err := dst.Header()
	if err != nil {
		return report(err)
	}
	var size uint64
	if hdr != nil {
		size = uint64(hdr.Pages) * uint64(hdr.PageSize)
	}
	fmt.Printf("copied %s pages (%s) to %s\n", humanize.Comma(int64(b.PageCount())), humanize.Bytes(size), args[1])
	return nil
}
