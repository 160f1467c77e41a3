package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/labgrid-project/labgrid-go/internal/artifacts"
	"github.com/labgrid-project/labgrid-go/internal/build"
	"github.com/labgrid-project/labgrid-go/internal/logging"
	"github.com/labgrid-project/labgrid-go/internal/version"
)

func main() {
	var (
		dockerfile  string
		contextDir  string
		versionFlag string
		saveDir     string
		push        bool
	)
	cmd := &cobra.Command{
		Use:   "labgrid-build [target...]",
		Short: "Build the labgrid container images",
		Long: "Builds the deployment images (labgrid-client, labgrid-exporter,\n" +
			"labgrid-coordinator) with BuildKit. Without arguments all targets are\n" +
			"built in order; the first failure aborts the run.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(false)
			runner := &build.ExecRunner{Logger: logger}

			v := versionFlag
			if v == "" {
				resolved, err := build.DescribeVersion(cmd.Context(), runner)
				if err != nil {
					return err
				}
				v = resolved
			}

			opts := build.Options{
				Version:    v,
				Dockerfile: dockerfile,
				ContextDir: contextDir,
				Targets:    args,
				SaveDir:    saveDir,
			}
			if push {
				store, err := artifacts.New(cmd.Context(), artifacts.Options{
					Endpoint:  os.Getenv("S3_ENDPOINT"),
					AccessKey: os.Getenv("S3_ACCESS_KEY"),
					SecretKey: os.Getenv("S3_SECRET_KEY"),
					Bucket:    envDefault("S3_BUCKET", "labgrid-images"),
					Region:    os.Getenv("S3_REGION"),
					UseSSL:    os.Getenv("S3_USE_SSL") == "true",
				})
				if err != nil {
					return fmt.Errorf("connect artifact store: %w", err)
				}
				opts.Store = store
			}

			b := &build.Builder{Runner: runner, Logger: logger}
			return b.Build(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&dockerfile, "file", "f", "Dockerfile", "path to the Dockerfile")
	cmd.Flags().StringVar(&contextDir, "context", ".", "docker build context directory")
	cmd.Flags().StringVar(&versionFlag, "version", "", "override the git-described version")
	cmd.Flags().StringVar(&saveDir, "save", "", "save built images as tarballs to this directory")
	cmd.Flags().BoolVar(&push, "push", false, "push saved tarballs to the S3 artifact store")
	cmd.Version = version.Version

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
