package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/parley/pkg/backend"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/experiment"
	"github.com/go-go-golems/parley/pkg/prompts"
	"github.com/go-go-golems/parley/pkg/session"
	"github.com/go-go-golems/parley/pkg/store"
)

func newChatCommand() *cobra.Command {
	var (
		templateFile    string
		templateName    string
		defaultTemplate string
		flagKey         string
		userID          string
		transcriptID    int64
		failover        bool
		showInternal    bool
		contextVars     map[string]string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run an interactive conversation session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			configs, err := loadConfigs()
			if err != nil {
				return err
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = st.Close()
			}()

			client := backend.NewOpenAIClient(os.Getenv("OPENAI_API_KEY"))

			vars := map[string]interface{}{}
			for key, value := range contextVars {
				vars[key] = value
			}
			if userID != "" {
				vars["user_id"] = userID
			}

			sess, err := buildSession(ctx, st, configs, client,
				templateFile, templateName, defaultTemplate, flagKey, userID, transcriptID)
			if err != nil {
				return err
			}

			return runChatLoop(ctx, sess, vars, failover, showInternal)
		},
	}

	cmd.Flags().StringVar(&templateFile, "template-file", "", "conversation template YAML file")
	cmd.Flags().StringVar(&templateName, "template", "", "conversation template name from the store")
	cmd.Flags().StringVar(&defaultTemplate, "default-template", "", "fallback template name for experiment selection")
	cmd.Flags().StringVar(&flagKey, "flag-key", "", "feature flag key selecting the template variant")
	cmd.Flags().StringVar(&userID, "user-id", "", "user id for experiment cohorting and context")
	cmd.Flags().Int64Var(&transcriptID, "transcript", 0, "resume an existing transcript id")
	cmd.Flags().BoolVar(&failover, "failover", false, "fail over to another config on rate limits")
	cmd.Flags().BoolVar(&showInternal, "show-internal", false, "show tool data in /history output")
	cmd.Flags().StringToStringVar(&contextVars, "context", nil, "context variables as key=value pairs")

	return cmd
}

func buildSession(
	ctx context.Context,
	st store.Store,
	configs map[string]*backend.Config,
	client backend.ChatClient,
	templateFile string,
	templateName string,
	defaultTemplate string,
	flagKey string,
	userID string,
	transcriptID int64,
) (*session.Session, error) {
	options := []session.Option{
		session.WithStore(st),
		session.WithUserID(userID),
	}
	if transcriptID != 0 {
		transcript, err := st.GetTranscript(ctx, transcriptID)
		if err != nil {
			return nil, err
		}
		options = append(options,
			session.WithTranscript(transcript),
			session.WithTranscriptID(transcriptID))
	}
	if topic := os.Getenv("PARLEY_EVENTS_TOPIC"); topic != "" {
		sink, _ := events.NewGoChannelSink(topic)
		options = append(options, session.WithSink(sink))
	}

	if flagKey != "" {
		if defaultTemplate == "" {
			return nil, errors.New("--flag-key requires --default-template")
		}
		expClient, err := buildExperimentClient()
		if err != nil {
			return nil, err
		}
		if dataSink, ok := expClient.(experiment.DataSink); ok {
			options = append(options, session.WithSink(experiment.NewEventSink(dataSink, flagKey)))
		}
		return session.NewFromExperiment(ctx, st, configs, client, expClient,
			flagKey, userID, defaultTemplate, options...)
	}

	var template *prompts.Template
	var err error
	switch {
	case templateFile != "":
		template, err = prompts.LoadTemplateFile(templateFile)
	case templateName != "":
		template, err = st.GetTemplate(ctx, templateName)
	default:
		return nil, errors.New("no template given, use --template-file, --template or --flag-key")
	}
	if err != nil {
		return nil, err
	}

	return session.New(template, configs, client, options...)
}

func buildExperimentClient() (experiment.Client, error) {
	apiKey := os.Getenv("POSTHOG_API_KEY")
	if apiKey == "" {
		log.Warn().Msg("POSTHOG_API_KEY not set, experiment selection falls back to the default template")
		return nil, nil
	}
	return experiment.NewPosthogClient(
		apiKey,
		os.Getenv("POSTHOG_ENDPOINT"),
		os.Getenv("POSTHOG_PERSONAL_API_KEY"),
		experiment.WithEnvironment(viper.GetString("env")),
	)
}

func runChatLoop(
	ctx context.Context,
	sess *session.Session,
	vars map[string]interface{},
	failover bool,
	showInternal bool,
) error {
	submitOptions := []session.SubmitOption{}
	if failover {
		submitOptions = append(submitOptions, session.WithFailover())
	}

	fmt.Println("Type a message, /history, /rate <id> up|down, or /quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}
		if line == "/history" {
			printHistory(sess, showInternal)
			continue
		}
		if strings.HasPrefix(line, "/rate ") {
			rateFromLine(ctx, sess, line)
			continue
		}

		reply, err := sess.SubmitUserMessage(ctx, line, vars, submitOptions...)
		if err != nil {
			log.Error().Err(err).Msg("turn failed")
			continue
		}
		if reply.ToolData != nil {
			fmt.Printf("[used tool %s]\n", reply.ToolData.UsedTool)
		}
		fmt.Println(reply.Message)
	}

	if sess.TranscriptID() != 0 {
		fmt.Printf("transcript saved as %d\n", sess.TranscriptID())
	}
	return scanner.Err()
}

func printHistory(sess *session.Session, showInternal bool) {
	for _, entry := range sess.DisplayTranscript(showInternal) {
		fmt.Printf("[%d] %s: %s\n", entry.ID, entry.Type, entry.Message)
		if entry.ToolData != nil {
			fmt.Printf("      tool %s -> %s\n", entry.ToolData.UsedTool, entry.ToolData.ToolContent)
		}
	}
}

func rateFromLine(ctx context.Context, sess *session.Session, line string) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		fmt.Println("usage: /rate <id> up|down")
		return
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		fmt.Println("usage: /rate <id> up|down")
		return
	}

	var thumb conversation.Thumb
	switch fields[2] {
	case "up":
		thumb = conversation.ThumbUp
	case "down":
		thumb = conversation.ThumbDown
	default:
		fmt.Println("usage: /rate <id> up|down")
		return
	}

	if !sess.RateMessage(ctx, conversation.MessageID(id), thumb) {
		fmt.Println("no such message id")
	}
}
