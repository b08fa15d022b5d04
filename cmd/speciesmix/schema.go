package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/lox/speciesmix/internal/schema"
	"github.com/lox/speciesmix/internal/tabular"
)

type SchemaCmd struct {
	Show   SchemaShowCmd   `cmd:"" help:"Print a schema, the embedded default when no file is given."`
	Derive SchemaDeriveCmd `cmd:"" help:"Derive a schema from a table header using the column naming convention."`
}

type SchemaShowCmd struct {
	File string `arg:"" optional:"" type:"existingfile" help:"Schema YAML."`
}

func (c *SchemaShowCmd) Run(ctx context.Context, logger *zap.Logger) error {
	s, err := schema.Load(c.File)
	if err != nil {
		return err
	}
	out, err := s.Marshal()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

type SchemaDeriveCmd struct {
	Table     string `arg:"" type:"existingfile" help:"Table whose header lists the candidate columns."`
	Version   string `help:"Version recorded in the derived schema." default:"derived"`
	Base      string `help:"Schema supplying id and target column names." type:"existingfile"`
	Delimiter string `help:"Column delimiter." default:","`
	Out       string `short:"o" help:"Write the schema here instead of stdout." type:"path"`
}

func (c *SchemaDeriveCmd) Run(ctx context.Context, logger *zap.Logger) error {
	delim, err := parseDelimiter(c.Delimiter)
	if err != nil {
		return err
	}
	base, err := schema.Load(c.Base)
	if err != nil {
		return err
	}

	f, err := os.Open(c.Table)
	if err != nil {
		return err
	}
	defer f.Close()
	t, err := tabular.Read(f, delim)
	if err != nil {
		return fmt.Errorf("read %s: %w", c.Table, err)
	}

	s := schema.FromColumns(c.Version, t.Header, base)
	if err := s.Validate(); err != nil {
		return fmt.Errorf("derived schema: %w", err)
	}
	logger.Info("schema derived",
		zap.String("table", c.Table),
		zap.Int("columns", len(t.Header)),
		zap.Int("features", len(s.Features)))

	out, err := s.Marshal()
	if err != nil {
		return err
	}
	if c.Out == "" {
		_, err = os.Stdout.Write(out)
		return err
	}
	return os.WriteFile(c.Out, out, 0o644)
}
