package cmd

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jmorganca/stagediff/api"
	"github.com/jmorganca/stagediff/diffusion"
	"github.com/jmorganca/stagediff/envconfig"
	"github.com/jmorganca/stagediff/format"
	"github.com/jmorganca/stagediff/logutil"
	"github.com/jmorganca/stagediff/progress"
	"github.com/jmorganca/stagediff/server"
	"github.com/jmorganca/stagediff/version"
)

var errServerUnreachable = errors.New("could not connect to stagediff server, run 'stagediff serve' to start it")

func checkServerHeartbeat(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	if err := client.Heartbeat(cmd.Context()); err != nil {
		slog.Debug("heartbeat failed", "error", err)
		return errServerUnreachable
	}
	return nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func LoadHandler(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	p := progress.NewProgress(os.Stderr)
	defer p.Stop()

	var spinner *progress.Spinner
	err = client.Load(cmd.Context(), func(resp api.LoadResponse) error {
		if spinner != nil {
			spinner.Stop()
		}

		if resp.Done {
			fmt.Fprintln(cmd.OutOrStdout(), resp.Status)
			return nil
		}

		spinner = progress.NewSpinner(resp.Status)
		p.Add(resp.Status, spinner)
		return nil
	})
	return err
}

type generateFlags struct {
	negative string
	output   string
	opts     api.Options
	local    bool
}

func readGenerateFlags(cmd *cobra.Command) (generateFlags, error) {
	f := generateFlags{opts: api.DefaultOptions()}
	flags := cmd.Flags()

	var err error
	if f.negative, err = flags.GetString("negative"); err != nil {
		return f, err
	}

	if f.output, err = flags.GetString("output"); err != nil {
		return f, err
	}

	if f.opts.Seed, err = flags.GetInt64("seed"); err != nil {
		return f, err
	}

	if f.opts.Steps, err = flags.GetInt("steps"); err != nil {
		return f, err
	}

	if f.opts.GuidanceScale, err = flags.GetFloat32("guidance"); err != nil {
		return f, err
	}

	if f.opts.Width, err = flags.GetInt("width"); err != nil {
		return f, err
	}

	if f.opts.Height, err = flags.GetInt("height"); err != nil {
		return f, err
	}

	if f.local, err = flags.GetBool("local"); err != nil {
		return f, err
	}

	if f.opts.Seed < 0 {
		f.opts.Seed = rand.Int64N(1 << 31)
	}

	if f.output == "" {
		f.output = fmt.Sprintf("image-%d.png", f.opts.Seed)
	}
	return f, nil
}

func GenerateHandler(cmd *cobra.Command, args []string) error {
	f, err := readGenerateFlags(cmd)
	if err != nil {
		return err
	}

	prompt := strings.Join(args, " ")
	bar := progress.NewStepBar("Generating", f.opts.Steps)
	p := progress.NewProgress(os.Stderr)
	p.Add("", bar)

	var png []byte
	started := time.Now()
	if f.local {
		png, err = generateLocal(cmd.Context(), prompt, f, bar)
	} else {
		png, err = generateRemote(cmd.Context(), prompt, f, bar)
	}
	p.StopAndClear()
	if err != nil {
		return err
	}
	elapsed := time.Since(started)

	if err := os.WriteFile(f.output, png, 0o644); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (seed %d, %s, %s)\n", f.output, f.opts.Seed, format.ExactDuration(elapsed), format.StepRate(elapsed, f.opts.Steps))
	return nil
}

func generateRemote(ctx context.Context, prompt string, f generateFlags, bar *progress.StepBar) ([]byte, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, err
	}

	req := api.GenerateRequest{
		Prompt:         prompt,
		NegativePrompt: f.negative,
		Options: map[string]any{
			"seed":           f.opts.Seed,
			"steps":          f.opts.Steps,
			"guidance_scale": f.opts.GuidanceScale,
			"width":          f.opts.Width,
			"height":         f.opts.Height,
		},
	}

	var image string
	err = client.Generate(ctx, &req, func(resp api.GenerateResponse) error {
		if resp.Warning != "" {
			fmt.Fprintln(os.Stderr, "warning:", resp.Warning)
		}

		if resp.Steps > 0 {
			bar.Set(resp.Step, resp.Status)
		}

		if resp.Done {
			image = resp.Image
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if image == "" {
		return nil, errors.New("server finished without an image")
	}
	return base64.StdEncoding.DecodeString(image)
}

func generateLocal(ctx context.Context, prompt string, f generateFlags, bar *progress.StepBar) ([]byte, error) {
	b, e, err := server.Open()
	if err != nil {
		return nil, err
	}
	defer b.Close()
	defer e.Close()

	r := diffusion.Request{
		Prompt:         prompt,
		NegativePrompt: f.negative,
		Seed:           f.opts.Seed,
		Steps:          f.opts.Steps,
		GuidanceScale:  f.opts.GuidanceScale,
		Width:          f.opts.Width,
		Height:         f.opts.Height,
		NoPreview:      true,
	}

	for ev, err := range e.Generate(ctx, r) {
		if err != nil {
			return nil, err
		}

		if ev.Warning != "" {
			fmt.Fprintln(os.Stderr, "warning:", ev.Warning)
		}

		if ev.Steps > 0 {
			bar.Set(ev.Step, ev.Status)
		}

		if ev.Image != nil {
			return diffusion.EncodePNG(ev.Image)
		}
	}

	return nil, errors.New("generation finished without an image")
}

func ListRunningHandler(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	ps, err := client.ListRunning(cmd.Context())
	if err != nil {
		return err
	}

	mode := "fast"
	if ps.SaveMemory {
		mode = "memory-saving"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s backend, %s mode, %dx%d, %s resident\n\n", ps.Backend, mode, ps.Width, ps.Height, format.HumanMemory(ps.Resident))

	table := newTable(cmd.OutOrStdout(), "STAGE", "STATE", "BINDING", "SIZE", "INPUTS", "OUTPUTS")
	for _, st := range ps.Stages {
		size := "-"
		if st.State == "loaded" {
			size = format.HumanMemory(st.Footprint)
		}

		table.Append([]string{st.Name, st.State, st.Binding, size, summarize(st.Inputs), summarize(st.Outputs)})
	}
	table.Render()
	return nil
}

// summarize shortens long slot lists such as the UNet skip connections.
func summarize(slots []string) string {
	if len(slots) > 3 {
		return fmt.Sprintf("%s, ... (%d)", strings.Join(slots[:2], ", "), len(slots))
	}
	return strings.Join(slots, ", ")
}

func VersionHandler(cmd *cobra.Command, _ []string) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return
	}

	serverVersion, err := client.Version(cmd.Context())
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Warning: could not connect to a running stagediff instance")
	}

	if serverVersion != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "stagediff version is %s\n", serverVersion)
	}

	if serverVersion != version.Version {
		fmt.Fprintf(cmd.OutOrStdout(), "Warning: client version is %s\n", version.Version)
	}
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "stagediff",
		Short:         "Staged Stable Diffusion inference",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logutil.NewLogger(os.Stderr, logutil.Level(envconfig.Debug)))
		},
		Run: func(cmd *cobra.Command, args []string) {
			if v, _ := cmd.Flags().GetBool("version"); v {
				VersionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the stagediff server",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}

	loadCmd := &cobra.Command{
		Use:     "load",
		Short:   "Load the text encoder and UNet stages on the server",
		Args:    cobra.ExactArgs(0),
		PreRunE: checkServerHeartbeat,
		RunE:    LoadHandler,
	}

	generateCmd := &cobra.Command{
		Use:   "generate PROMPT",
		Short: "Generate an image from a prompt",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if local, _ := cmd.Flags().GetBool("local"); local {
				return nil
			}
			return checkServerHeartbeat(cmd, args)
		},
		RunE: GenerateHandler,
	}

	generateCmd.Flags().String("negative", "", "Negative prompt")
	generateCmd.Flags().StringP("output", "o", "", "Output PNG path (default \"image-<seed>.png\")")
	generateCmd.Flags().Int64("seed", -1, "Noise seed, negative for random")
	generateCmd.Flags().Int("steps", envconfig.Steps, "Denoising steps")
	generateCmd.Flags().Float32("guidance", float32(envconfig.Guidance), "Guidance scale")
	generateCmd.Flags().Int("width", 0, "Image width, a multiple of 64 (default server size)")
	generateCmd.Flags().Int("height", 0, "Image height, a multiple of 64 (default server size)")
	generateCmd.Flags().Bool("local", false, "Run in this process instead of on the server")

	psCmd := &cobra.Command{
		Use:     "ps",
		Short:   "List stages and their residency",
		PreRunE: checkServerHeartbeat,
		RunE:    ListRunningHandler,
	}

	tokenizeCmd := &cobra.Command{
		Use:   "tokenize PROMPT",
		Short: "Show the token ids of a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE:  TokenizeHandler,
	}

	pullCmd := &cobra.Command{
		Use:   "pull SOURCE",
		Short: "Download weights from an http(s) URL or gs://bucket/prefix",
		Args:  cobra.ExactArgs(1),
		RunE:  PullHandler,
	}

	prepareCmd := &cobra.Command{
		Use:   "prepare",
		Short: "Write derived constants missing from the models directory",
		Args:  cobra.ExactArgs(0),
		RunE:  PrepareHandler,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show configuration",
		Args:  cobra.ExactArgs(0),
		RunE:  ConfigHandler,
	}
	configCmd.Flags().Bool("example", false, "Print an example config file")

	envVars := envconfig.AsMap()
	for _, c := range []*cobra.Command{serveCmd, generateCmd, pullCmd, prepareCmd, tokenizeCmd} {
		appendEnvDocs(c, envVars)
	}

	rootCmd.AddCommand(
		serveCmd,
		loadCmd,
		generateCmd,
		psCmd,
		tokenizeCmd,
		pullCmd,
		prepareCmd,
		configCmd,
	)

	return rootCmd
}

func appendEnvDocs(cmd *cobra.Command, envs map[string]envconfig.EnvVar) {
	var keys []string
	switch cmd.Name() {
	case "serve":
		keys = []string{"STAGEDIFF_DEBUG", "STAGEDIFF_HOST", "STAGEDIFF_ORIGINS", "STAGEDIFF_MODELS", "STAGEDIFF_BACKEND", "STAGEDIFF_SAVE_MEMORY", "STAGEDIFF_MAX_MEMORY", "STAGEDIFF_NUM_THREADS"}
	case "generate":
		keys = []string{"STAGEDIFF_HOST", "STAGEDIFF_STEPS", "STAGEDIFF_GUIDANCE", "STAGEDIFF_MODELS"}
	default:
		keys = []string{"STAGEDIFF_MODELS"}
	}

	var sb strings.Builder
	sb.WriteString("\nEnvironment Variables:\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "      %-24s %s\n", envs[k].Name, envs[k].Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + sb.String())
}
