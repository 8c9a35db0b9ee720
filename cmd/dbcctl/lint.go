package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"example.com/dbcgate/internal/crypto"
	"example.com/dbcgate/internal/lint"
	"example.com/dbcgate/internal/report"
)

// runLint evaluates rulesPath, or the built in rule pack when it is empty,
// against the loaded database.
func (a *app) runLint(rulesPath string, timestamps bool) (*lint.Engine, error) {
	rp := lint.DefaultRulePack()
	if rulesPath != "" {
		loaded, err := lint.LoadRulePack(rulesPath)
		if err != nil {
			return nil, fmt.Errorf("rule pack: %w", err)
		}
		rp = loaded
	}
	eng := lint.NewEngine(rp)
	eng.RegisterBuiltins()
	eng.SetConfigValue("diag.include_timestamps", timestamps)
	if _, err := eng.Eval(&lint.Context{File: a.cfg.Database.Root, Database: a.db}); err != nil {
		return nil, err
	}
	return eng, nil
}

func writeJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func newLintCmd(a *app) *cobra.Command {
	var (
		rulesPath  string
		out        string
		acceptance string
		timestamps bool
	)
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Run the advisory checks over the compiled database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.runLint(rulesPath, timestamps)
			if err != nil {
				return err
			}
			if out != "" {
				if err := eng.WriteDiagnosticsFile(out); err != nil {
					return err
				}
			} else if err := eng.WriteDiagnosticsNDJSON(cmd.OutOrStdout()); err != nil {
				return err
			}
			acc := eng.MakeAcceptance()
			if acceptance != "" {
				if err := writeJSONFile(acceptance, acc); err != nil {
					return err
				}
			}
			a.log.Info("lint finished",
				zap.Int("findings", acc.Summary.Total),
				zap.Int("errors", acc.Summary.Errors),
				zap.Int("warnings", acc.Summary.Warnings))
			fmt.Fprintf(cmd.ErrOrStderr(), "%d findings, %d errors, %d warnings: %s\n",
				acc.Summary.Total, acc.Summary.Errors, acc.Summary.Warnings, passWord(acc.Summary.Pass))
			if !acc.Summary.Pass {
				return errors.New("lint failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rulesPath, "rules", "", "JSON rule pack (default: built in)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write NDJSON diagnostics here instead of stdout")
	cmd.Flags().StringVar(&acceptance, "acceptance", "", "write the acceptance summary JSON here")
	cmd.Flags().BoolVar(&timestamps, "timestamps", true, "stamp each diagnostic with the run time")
	return cmd
}

func passWord(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}

func newReportCmd(a *app) *cobra.Command {
	var out, qr, rulesPath string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write a PDF or JSON report of the compiled database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			eng, err := a.runLint(rulesPath, true)
			if err != nil {
				return err
			}
			rep, err := report.Build(a.cfg.Database.Root, a.db, eng.MakeAcceptance())
			if err != nil {
				return err
			}
			switch strings.ToLower(filepath.Ext(out)) {
			case ".pdf":
				err = report.SavePDF(rep, out)
			case ".json":
				err = report.SaveJSON(rep, out)
			default:
				return fmt.Errorf("--out %s: want a .pdf or .json file", out)
			}
			if err != nil {
				return err
			}
			if qr != "" {
				png, err := report.DigestToQR(rep.Digest, 256)
				if err != nil {
					return err
				}
				if err := os.WriteFile(qr, png, 0o644); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "report %s digest %s\n", out, rep.Digest)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "report path (.pdf or .json)")
	cmd.Flags().StringVar(&qr, "qr", "", "also write the digest QR code PNG here")
	cmd.Flags().StringVar(&rulesPath, "rules", "", "JSON rule pack (default: built in)")
	return cmd
}

func newManifestCmd(a *app) *cobra.Command {
	var out, signKey string
	cmd := &cobra.Command{
		Use:   "manifest [artifact...]",
		Short: "Hash every source fragment and the given artifacts",
		Long: `Manifest lists the fragments the database was compiled from and the given
artifacts with their SHA-256 hashes. With --sign-key a detached RS256 JWS of
the manifest is written next to it as <out>.jws.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := report.BuildManifest(a.db, args...)
			if err != nil {
				return err
			}
			if out == "" {
				if signKey != "" {
					return errors.New("--sign-key needs --out")
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(m)
			}
			if err := report.SaveManifest(m, out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "manifest %s: %d items\n", out, len(m.Items))
			if signKey == "" {
				return nil
			}
			sigPath, err := signFile(out, signKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signature %s\n", sigPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the manifest here instead of stdout")
	cmd.Flags().StringVar(&signKey, "sign-key", "", "RSA private key (PEM) to sign the manifest with")
	return cmd
}

// signFile writes a detached JWS of path to path+".jws".
func signFile(path, keyPath string) (string, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return "", err
	}
	sig, err := crypto.SignDetachedJWS(payload, key)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", path, err)
	}
	sigPath := path + ".jws"
	return sigPath, writeJSONFile(sigPath, sig)
}

func newVerifyCmd() *cobra.Command {
	var manifestPath, jwsPath, certPath string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the detached signature of a manifest",
		Args:  cobra.NoArgs,
		// Verification needs no database.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifestPath == "" || certPath == "" {
				return errors.New("required: --manifest, --cert")
			}
			if jwsPath == "" {
				jwsPath = manifestPath + ".jws"
			}
			payload, err := os.ReadFile(manifestPath)
			if err != nil {
				return err
			}
			b, err := os.ReadFile(jwsPath)
			if err != nil {
				return err
			}
			var sig crypto.JWS
			if err := json.Unmarshal(b, &sig); err != nil {
				return fmt.Errorf("parse jws: %w", err)
			}
			cert, err := os.ReadFile(certPath)
			if err != nil {
				return err
			}
			if err := crypto.VerifyDetachedJWS(payload, sig, cert); err != nil {
				return fmt.Errorf("verify signature: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signature OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "manifest JSON file")
	cmd.Flags().StringVar(&jwsPath, "jws", "", "detached signature (default <manifest>.jws)")
	cmd.Flags().StringVar(&certPath, "cert", "", "signer certificate or public key (PEM)")
	return cmd
}
