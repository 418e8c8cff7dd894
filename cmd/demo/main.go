// cmd/demo/main.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/Corphon/SceneWeaver/internal/config"
	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/prompt"
	"github.com/Corphon/SceneWeaver/internal/services"
	"github.com/Corphon/SceneWeaver/internal/utils"
	"github.com/spf13/cobra"
)

type options struct {
	catalogFile string
	sceneID     string
	characterID string
	template    string
	delayMS     int
	logLevel    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "sceneweaver-demo",
		Short: "Console walkthrough of the conversation graph",
		Long: `Runs a single session against the built-in echo transport.

Type a line to submit it. Commands:
  /regen         generate an alternative answer for the last input
  /alts          list the alternatives of the current answer
  /swipe <id>    switch to another alternative
  /history       print the selected path
  /context       print the prompt for the next turn
  /quit          exit`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.catalogFile, "catalog", "", "catalog YAML file (built-in sample when empty)")
	cmd.Flags().StringVar(&opts.sceneID, "scene", "lighthouse", "scene to play")
	cmd.Flags().StringVar(&opts.characterID, "character", "", "character that answers (first scene character when empty)")
	cmd.Flags().StringVar(&opts.template, "template", "alpaca", "prompt template")
	cmd.Flags().IntVar(&opts.delayMS, "delay", 40, "echo delay between words in milliseconds")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "error", "log level written to stderr")
	return cmd
}

// console 一个会话的交互循环
type console struct {
	out        io.Writer
	catalog    *services.CatalogService
	builder    *services.ContextBuilder
	generation *services.GenerationService
	session    *services.Session
	request    services.ContextRequest
}

func runConsole(ctx context.Context, opts *options, in io.Reader, out io.Writer) error {
	logger := utils.NewLogger(os.Stderr, utils.ParseLogLevel(opts.logLevel))
	metrics := utils.NewEngineMetrics(utils.NewMetricsCollector(), logger)

	catalog, err := services.NewCatalogService(opts.catalogFile)
	if err != nil {
		return err
	}
	scene, err := catalog.Scene(opts.sceneID)
	if err != nil {
		return err
	}

	characterID := opts.characterID
	if characterID == "" {
		if ids := catalog.SceneCharacters(scene.ID); len(ids) > 0 {
			characterID = ids[0]
		}
	}
	if _, err := catalog.Character(characterID); err != nil {
		return err
	}

	templates := prompt.DefaultTemplates()
	if _, ok := templates.Get(opts.template); !ok {
		return fmt.Errorf("unknown template %q, available: %s", opts.template, strings.Join(templates.Names(), ", "))
	}
	settings := config.DefaultContextSettings()
	settings.Template = opts.template

	builder := services.NewContextBuilder(catalog, templates,
		services.WithContextSettings(func() config.ContextSettings { return settings }),
		services.WithBuilderLogger(logger),
		services.WithBuilderMetrics(metrics),
	)

	transport, err := llm.NewEchoTransport(map[string]string{"delay_ms": strconv.Itoa(opts.delayMS)})
	if err != nil {
		return err
	}
	generation := services.NewGenerationService(builder, catalog, transport, logger, metrics)
	defer generation.Close()

	sessions := services.NewSessionManager(0, logger, metrics)
	defer sessions.Close()

	c := &console{
		out:        out,
		catalog:    catalog,
		builder:    builder,
		generation: generation,
		session:    sessions.Create(scene.ID, nil),
		request:    services.ContextRequest{CharacterID: characterID, Template: opts.template},
	}

	fmt.Fprintf(out, "%s (%s). Type /quit to leave.\n", scene.Name, strings.Join(catalog.SceneCharacters(scene.ID), ", "))
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		if err := ctx.Err(); err != nil {
			return nil
		}
		if quit := c.handle(strings.TrimSpace(scanner.Text())); quit {
			return nil
		}
	}
}

// handle 执行一行输入，返回是否退出
func (c *console) handle(line string) bool {
	switch {
	case line == "":
	case line == "/quit" || line == "/exit":
		return true
	case line == "/regen":
		if _, err := c.generation.Regenerate(c.session, c.request); err != nil {
			c.printError(err)
			return false
		}
		c.generation.Wait()
		c.printCurrent()
	case line == "/alts":
		c.printAlternatives()
	case strings.HasPrefix(line, "/swipe"):
		id := strings.TrimSpace(strings.TrimPrefix(line, "/swipe"))
		if err := c.session.SwipeToResponse(id); err != nil {
			c.printError(err)
			return false
		}
		c.printCurrent()
	case line == "/history":
		c.printHistory()
	case line == "/context":
		c.printContext()
	case strings.HasPrefix(line, "/"):
		fmt.Fprintf(c.out, "unknown command %s\n", line)
	default:
		if _, err := c.generation.Submit(c.session, line, "", c.request); err != nil {
			c.printError(err)
			return false
		}
		c.generation.Wait()
		c.printCurrent()
	}
	return false
}

func (c *console) name(characterID string) string {
	if character, err := c.catalog.Character(characterID); err == nil {
		return character.Name
	}
	return characterID
}

func (c *console) printResponse(r *models.Response) {
	for _, payload := range r.Characters {
		if payload.Text == "" {
			continue
		}
		emotion := payload.Emotion
		if emotion == "" {
			emotion = "neutral"
		}
		fmt.Fprintf(c.out, "%s [%s]: %s\n", c.name(payload.CharacterID), emotion, payload.Text)
	}
}

func (c *console) printCurrent() {
	if r := c.session.LastSettledResponse(); r != nil {
		c.printResponse(r)
	}
}

func (c *console) printAlternatives() {
	snap := c.session.Snapshot()
	current, ok := snap.GetResponse(snap.Cursor())
	if !ok || current.IsRoot() {
		fmt.Fprintln(c.out, "no alternatives yet")
		return
	}
	interaction, _ := snap.GetInteraction(current.ParentInteractionID)
	for _, id := range interaction.ResponseIDs {
		r, _ := snap.GetResponse(id)
		marker := " "
		if r.Selected {
			marker = "*"
		}
		text := ""
		if len(r.Characters) > 0 {
			text = r.Characters[0].Text
		}
		fmt.Fprintf(c.out, "%s %s %s\n", marker, id, text)
	}
}

func (c *console) printHistory() {
	user := c.catalog.UserName()
	for _, item := range services.OldestFirst(c.session.LinearHistory()) {
		if item.Kind == models.NodeInteraction {
			fmt.Fprintf(c.out, "%s: %s\n", user, item.Interaction.Query)
			continue
		}
		c.printResponse(item.Response)
	}
}

func (c *console) printContext() {
	window, err := c.builder.BuildForSession(c.session, c.request)
	if err != nil {
		c.printError(err)
		return
	}
	fmt.Fprintln(c.out, window.Prompt)
	fmt.Fprintf(c.out, "-- %s, %d/%d tokens, %d memory entries, over budget: %t\n",
		window.TemplateName, window.TotalTokens, window.TokenBudget, len(window.MemoryEntries), window.OverBudget)
}

func (c *console) printError(err error) {
	fmt.Fprintf(c.out, "error: %v\n", err)
}
