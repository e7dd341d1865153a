package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/ledgerproof/pkg/canonical"
	"github.com/jmerrifield20/ledgerproof/pkg/client"
	"github.com/jmerrifield20/ledgerproof/pkg/hash"
	"github.com/jmerrifield20/ledgerproof/pkg/proof"
	"github.com/jmerrifield20/ledgerproof/pkg/verifier"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	cfgFile   string
	insecure  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lpv",
	Short: "Ledger proof verifier",
	Long: `lpv captures and verifies cryptographic proofs that a document revision
is recorded in a ledger.

Bundles are verified against a ledgerd server, either by the server itself
or locally with only ledger state fetched remotely (--local).`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.lpv")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("lpv")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.lpv/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "ledgerd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification (development only)")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(flipCmd)
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	return client.New(serverURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readJSON decodes path ("-" for stdin) into v, keeping numbers exact.
func readJSON(path string, v any) error {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyLocal        bool
	verifyContentCheck bool
	verifyConcurrency  int
	verifyFormat       string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <bundle.json> [bundle.json] ...",
	Short: "Verify one or more revision bundles",
	Long: `Verify checks that each bundle's revision is covered by its recorded digest.

By default the server performs the check. With --local the proof is
recomputed here and only ledger state is fetched from the server:

  lpv verify --local --content-check bundle.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyLocal, "local", false, "Recompute the proof locally instead of on the server")
	verifyCmd.Flags().BoolVar(&verifyContentCheck, "content-check", false, "With --local, re-derive the revision hash from fetched content")
	verifyCmd.Flags().IntVar(&verifyConcurrency, "concurrency", 4, "With --local, bundles verified in parallel")
	verifyCmd.Flags().StringVar(&verifyFormat, "format", "text", "Output format: text or json")
}

type verifyRow struct {
	File     string `json:"file"`
	Document string `json:"document_id,omitempty"`
	Verified bool   `json:"verified"`
	Field    string `json:"mismatch_field,omitempty"`
	Receipt  string `json:"receipt,omitempty"`
	Error    string `json:"error,omitempty"`
}

func runVerify(cmd *cobra.Command, args []string) error {
	bundles := make([]verifier.RevisionMetadata, len(args))
	for i, path := range args {
		if err := readJSON(path, &bundles[i]); err != nil {
			return err
		}
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	rows := make([]verifyRow, len(bundles))
	if verifyLocal {
		var opts []verifier.Option
		if verifyContentCheck {
			opts = append(opts, verifier.WithContentCheck())
		}
		v := verifier.New(c, zap.NewNop(), opts...)
		for _, r := range v.VerifyBatch(ctx, bundles, verifyConcurrency) {
			rows[r.Index] = newVerifyRow(args[r.Index], bundles[r.Index], r.Verified, "", r.Err)
		}
	} else {
		for i, md := range bundles {
			res, err := c.Verify(ctx, md)
			if err != nil {
				rows[i] = newVerifyRow(args[i], md, false, "", err)
				continue
			}
			rows[i] = newVerifyRow(args[i], md, res.Verified, res.Receipt, nil)
		}
	}

	if verifyFormat == "json" {
		var v any = rows
		if len(rows) == 1 {
			v = rows[0]
		}
		if err := printJSON(v); err != nil {
			return err
		}
	} else if err := printVerifyText(rows); err != nil {
		return err
	}

	for _, r := range rows {
		if !r.Verified {
			return errors.New("verification failed")
		}
	}
	return nil
}

func newVerifyRow(file string, md verifier.RevisionMetadata, ok bool, receipt string, err error) verifyRow {
	row := verifyRow{File: file, Document: md.DocumentID, Verified: ok, Receipt: receipt}
	if err != nil {
		row.Error = err.Error()
		row.Field = verifier.MismatchField(err)
	}
	return row
}

func printVerifyText(rows []verifyRow) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tDOCUMENT\tRESULT\tDETAIL")
	for _, r := range rows {
		result, detail := "verified", ""
		switch {
		case r.Field != "":
			result, detail = "mismatch", r.Field
		case r.Error != "":
			result, detail = "error", r.Error
		case !r.Verified:
			result, detail = "unverified", "digest does not match"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.File, r.Document, result, detail)
	}
	return w.Flush()
}

// ── recompute ────────────────────────────────────────────────────────────────

var (
	recomputeLeaf  string
	recomputeProof string
	recomputeFile  string
)

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Fold a proof into a leaf hash and print each step",
	Long: `Recompute combines a leaf hash with each proof element in turn, printing
every intermediate value. The proof is an Ion-text list of blobs:

  lpv recompute --leaf <base64> --proof '[{{...}},{{...}}]'
  lpv recompute --bundle bundle.json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			leaf  hash.Hash
			chain proof.Chain
			err   error
		)
		switch {
		case recomputeFile != "":
			var md verifier.RevisionMetadata
			if err := readJSON(recomputeFile, &md); err != nil {
				return err
			}
			leaf, chain = md.RevisionHash, md.Proof
		case recomputeLeaf != "":
			if leaf, err = hash.ParseBase64(recomputeLeaf); err != nil {
				return fmt.Errorf("leaf: %w", err)
			}
			if chain, err = proof.DecodeIonText(recomputeProof); err != nil {
				return err
			}
		default:
			return errors.New("either --bundle or --leaf is required")
		}

		steps, err := proof.Steps(leaf, chain)
		if err != nil {
			return err
		}
		for i, s := range steps {
			label := "leaf"
			if i > 0 {
				label = fmt.Sprintf("step %d", i)
			}
			fmt.Printf("%-8s %s\n", label, s)
		}
		return nil
	},
}

func init() {
	recomputeCmd.Flags().StringVar(&recomputeLeaf, "leaf", "", "Leaf hash (base64)")
	recomputeCmd.Flags().StringVar(&recomputeProof, "proof", "[]", "Proof as Ion text")
	recomputeCmd.Flags().StringVar(&recomputeFile, "bundle", "", "Take leaf and proof from a bundle file")
}

// ── hash ─────────────────────────────────────────────────────────────────────

var hashShowEncoding bool

var hashCmd = &cobra.Command{
	Use:   "hash <revision.json>",
	Short: "Compute the revision hash of a document and its metadata",
	Long: `Hash reads {"data": ..., "metadata": {"id", "version", "tx_time", "tx_id"}}
and prints the base64 SHA-256 of its canonical encoding. Use "-" for stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rev struct {
			Data     any                      `json:"data"`
			Metadata canonical.RevisionFields `json:"metadata"`
		}
		if err := readJSON(args[0], &rev); err != nil {
			return err
		}

		if hashShowEncoding {
			enc, err := canonical.Canonicalize(rev.Data, rev.Metadata)
			if err != nil {
				return err
			}
			fmt.Printf("encoding %x\n", enc)
		}
		h, err := canonical.HashOf(rev.Data, rev.Metadata)
		if err != nil {
			return err
		}
		fmt.Println(h)
		return nil
	},
}

func init() {
	hashCmd.Flags().BoolVar(&hashShowEncoding, "encoding", false, "Also print the canonical encoding in hex")
}

// ── flip ─────────────────────────────────────────────────────────────────────

var (
	flipByte int
	flipBit  int
)

var flipCmd = &cobra.Command{
	Use:   "flip <base64>",
	Short: "Flip one bit of a hash, for tamper testing",
	Long: `Flip prints a copy of the hash with a single bit inverted. Without --byte
the bit is chosen at random.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := hash.ParseBase64(args[0])
		if err != nil {
			return err
		}
		var out hash.Hash
		if flipByte >= 0 {
			out, err = hash.FlipBit(h, flipByte, flipBit)
		} else {
			out, err = hash.FlipRandomBit(h)
		}
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

func init() {
	flipCmd.Flags().IntVar(&flipByte, "byte", -1, "Byte index to flip (random when negative)")
	flipCmd.Flags().IntVar(&flipBit, "bit", 0, "Bit index within --byte (0-7)")
}

// ── capture ──────────────────────────────────────────────────────────────────

var (
	captureOut     string
	captureTimeout time.Duration
)

var captureCmd = &cobra.Command{
	Use:   "capture <ledger> <document-id>",
	Short: "Capture a verification bundle for a document's latest revision",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), captureTimeout)
		defer cancel()

		md, err := c.Capture(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}

		if captureOut == "" {
			return printJSON(md)
		}
		out, err := json.MarshalIndent(md, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(captureOut, append(out, '\n'), 0o644); err != nil {
			return fmt.Errorf("write bundle: %w", err)
		}
		fmt.Fprintf(os.Stderr, "bundle for %s at %s written to %s\n", md.DocumentID, md.BlockAddress, captureOut)
		return nil
	},
}

func init() {
	captureCmd.Flags().StringVarP(&captureOut, "output", "o", "", "Write the bundle to a file instead of stdout")
	captureCmd.Flags().DurationVar(&captureTimeout, "timeout", 30*time.Second, "Overall timeout, including the digest retry")
}

// ── append ───────────────────────────────────────────────────────────────────

var appendDocID string

var appendCmd = &cobra.Command{
	Use:   "append <ledger> <table> <data.json>",
	Short: "Append a document revision to a ledger",
	Long: `Append records the JSON document in data.json as a new revision. Pass
--id to revise an existing document; omit it to create one.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data any
		if err := readJSON(args[2], &data); err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		rev, err := c.Append(cmd.Context(), args[0], args[1], appendDocID, data)
		if err != nil {
			return fmt.Errorf("append: %w", err)
		}

		fmt.Printf("✓ Revision recorded\n\n")
		fmt.Printf("  Document: %s\n", rev.DocumentID)
		fmt.Printf("  Version:  %d\n", rev.Fields.Version)
		fmt.Printf("  Block:    %s\n", rev.Address)
		fmt.Printf("  Hash:     %s\n\n", rev.Hash)
		fmt.Printf("Next: lpv capture %s %s -o bundle.json\n", args[0], rev.DocumentID)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendDocID, "id", "", "Existing document id to revise")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the lpv version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("lpv", version)
	},
}
