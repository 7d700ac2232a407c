package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/esta-kernel/pkg/entropy"
	"github.com/Mindburn-Labs/esta-kernel/pkg/loader"
	"github.com/Mindburn-Labs/esta-kernel/pkg/manifest"
)

func newManifestsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifests",
		Short: "Check and sign module manifests",
	}
	cmd.AddCommand(newManifestsCheckCmd(g), newManifestsSignCmd(g))
	return cmd
}

func newManifestsCheckCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "check [DIR]",
		Short: "Parse and validate every manifest in a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			dir := cfg.Loader.ManifestDir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return fmt.Errorf("manifests check: no directory given")
			}
			verifier, err := manifestVerifier(cfg)
			if err != nil {
				return err
			}
			ms, scanErr := loader.ScanDir(dir, verifier)
			for _, m := range ms {
				if _, err := fmt.Fprintf(g.stdout, "ok  %s (%d capabilities, %d exports)\n",
					m.ID(), len(m.Capabilities), len(m.Exports)); err != nil {
					return err
				}
			}
			return scanErr
		},
	}
}

// The signing key is derived from a seed so a publisher can keep a single
// hex secret.
func newManifestsSignCmd(g *globals) *cobra.Command {
	var seedHex string
	cmd := &cobra.Command{
		Use:   "sign FILE",
		Short: "Sign a manifest and write FILE.jws next to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if seedHex == "" {
				seedHex = os.Getenv("ESTA_SIGNING_SEED")
			}
			seed, err := entropy.ParseSeed(seedHex)
			if err != nil {
				return err
			}
			keySeed, err := entropy.Derive(seed, "esta-manifest-signing", "", ed25519.SeedSize)
			if err != nil {
				return err
			}
			key := ed25519.NewKeyFromSeed(keySeed)

			m, err := manifest.LoadFile(args[0], nil)
			if err != nil {
				return err
			}
			token, err := manifest.Sign(m, key)
			if err != nil {
				return err
			}
			out := strings.TrimSuffix(args[0], filepath.Ext(args[0])) + ".jws"
			//nolint:gosec // G306: manifests are public
			if err := os.WriteFile(out, []byte(token+"\n"), 0644); err != nil {
				return err
			}
			pub := key.Public().(ed25519.PublicKey)
			_, err = fmt.Fprintf(g.stdout, "%s\npublic key %s\n", out, hex.EncodeToString(pub))
			return err
		},
	}
	cmd.Flags().StringVar(&seedHex, "seed", "", "hex signing seed (default $ESTA_SIGNING_SEED)")
	return cmd
}

func newSeedCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Print a fresh hex boot seed",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			seed, err := entropy.NewSeed()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(g.stdout, hex.EncodeToString(seed))
			return err
		},
	}
}
