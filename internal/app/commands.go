package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"unicode/utf8"

	"go.opentelemetry.io/otel"

	"github.com/nuetzliches/busdeck/internal/broker"
	"github.com/nuetzliches/busdeck/internal/config"
	"github.com/nuetzliches/busdeck/internal/explorer"
)

const (
	configEnvVar      = "BUSDECK_CONFIG"
	bodyPreviewLength = 60
)

// cli runs the one-shot commands. open is swapped in tests to share one
// emulator across invocations.
type cli struct {
	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader
	open   func(ctx context.Context, cfg config.BrokerConfig, logger *slog.Logger) (*backend, error)
}

func newCLI() *cli {
	return &cli{
		stdout: os.Stdout,
		stderr: os.Stderr,
		stdin:  os.Stdin,
		open:   openBackend,
	}
}

func defaultConfigPath() string {
	return strings.TrimSpace(os.Getenv(configEnvVar))
}

// commonFlags are shared by every command that touches the broker.
type commonFlags struct {
	configPath *string
	envFile    *string
	logLevel   *string
	jsonOut    *bool
	entity     *string
}

func (c *cli) newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	cf := &commonFlags{
		configPath: fs.String("config", defaultConfigPath(), "path to YAML config (default $"+configEnvVar+")"),
		envFile:    fs.String("env-file", "", "load environment variables from file before reading config"),
		logLevel:   fs.String("log-level", "warn", "log level for diagnostics on stderr (debug|info|warn|error)"),
		jsonOut:    fs.Bool("json", false, "print JSON instead of a table"),
		entity:     fs.String("entity", "", "queue name or topic/subscription"),
	}
	return fs, cf
}

type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	backend *backend
	svc     *explorer.Service
	entity  broker.Entity
}

func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = s.backend.Close(ctx)
}

// openSession loads config and opens the backend. The returned code is
// non-zero when the caller must exit.
func (c *cli) openSession(ctx context.Context, cf *commonFlags) (*session, int) {
	entityRaw := strings.TrimSpace(*cf.entity)
	if entityRaw == "" {
		fmt.Fprintln(c.stderr, "--entity is required")
		return nil, 2
	}
	entity, err := broker.ParseEntity(entityRaw)
	if err != nil {
		fmt.Fprintln(c.stderr, err.Error())
		return nil, 2
	}
	logger, err := newLogger(*cf.logLevel)
	if err != nil {
		fmt.Fprintln(c.stderr, err.Error())
		return nil, 2
	}
	if p := strings.TrimSpace(*cf.envFile); p != "" {
		if _, err := loadEnvFile(p); err != nil {
			fmt.Fprintf(c.stderr, "env file: %v\n", err)
			return nil, 1
		}
	}

	cfg, res, err := config.Load(strings.TrimSpace(*cf.configPath))
	if err != nil {
		fmt.Fprintln(c.stderr, err.Error())
		return nil, 1
	}
	if cfg == nil || !res.OK {
		fmt.Fprintln(c.stderr, config.FormatValidationText(res))
		return nil, 1
	}
	for _, w := range res.Warnings {
		logger.Warn("config_warning", slog.String("warning", w))
	}

	b, err := c.open(ctx, cfg.Broker, logger)
	if err != nil {
		fmt.Fprintln(c.stderr, err.Error())
		return nil, 1
	}
	svc := explorer.New(b.transport,
		explorer.WithLogger(logger),
		explorer.WithBudgets(cfg.Explorer),
		explorer.WithTracer(otel.Tracer("busdeck/explorer")),
	)
	return &session{cfg: cfg, logger: logger, backend: b, svc: svc, entity: entity}, 0
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (c *cli) fail(err error) int {
	fmt.Fprintln(c.stderr, err.Error())
	return 1
}

func (c *cli) writeJSON(v any) int {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return c.fail(err)
	}
	return 0
}

func (c *cli) countsCmd(args []string) int {
	fs, cf := c.newFlagSet("counts")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx, stop := commandContext()
	defer stop()
	s, code := c.openSession(ctx, cf)
	if code != 0 {
		return code
	}
	defer s.Close()

	counts, err := s.svc.GetMessageCounts(ctx, s.entity)
	if err != nil {
		return c.fail(err)
	}
	if *cf.jsonOut {
		return c.writeJSON(map[string]any{
			"entity":      s.entity.Path(),
			"active":      counts.Active,
			"dead_letter": counts.DeadLetter,
			"total":       counts.Total(),
		})
	}
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tACTIVE\tDEAD LETTER\tTOTAL")
	fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", s.entity.Path(), counts.Active, counts.DeadLetter, counts.Total())
	_ = tw.Flush()
	return 0
}

func (c *cli) peekCmd(args []string) int {
	fs, cf := c.newFlagSet("peek")
	count := fs.Int("count", 10, "number of messages to peek")
	subQueue := fs.String("sub-queue", "active", "active|dead_letter|all")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *count < 1 || *count > explorer.MaxPageSize {
		fmt.Fprintf(c.stderr, "--count must be between 1 and %d\n", explorer.MaxPageSize)
		return 2
	}
	sub := strings.ToLower(strings.TrimSpace(*subQueue))
	switch sub {
	case "active", "dead_letter", "all":
	default:
		fmt.Fprintln(c.stderr, "--sub-queue must be active|dead_letter|all")
		return 2
	}

	ctx, stop := commandContext()
	defer stop()
	s, code := c.openSession(ctx, cf)
	if code != 0 {
		return code
	}
	defer s.Close()

	var (
		msgs []broker.Message
		err  error
	)
	switch sub {
	case "dead_letter":
		msgs, err = s.svc.PeekDeadLetterPage(ctx, s.entity, *count)
	case "all":
		msgs, err = s.svc.PeekAll(ctx, s.entity, *count)
	default:
		msgs, err = s.svc.PeekPage(ctx, s.entity, *count)
	}
	if err != nil {
		return c.fail(err)
	}
	views := explorer.ViewsOf(msgs)
	if *cf.jsonOut {
		return c.writeJSON(map[string]any{"entity": s.entity.Path(), "sub_queue": sub, "items": views})
	}
	c.printMessages(views)
	return 0
}

func (c *cli) pageCmd(args []string) int {
	fs, cf := c.newFlagSet("page")
	page := fs.Int("page", 1, "1-based page number")
	size := fs.Int("page-size", explorer.DefaultPageSize, "messages per page")
	activeOnly := fs.Bool("active-only", false, "page the active sub-queue only")
	deadLetterOnly := fs.Bool("dead-letter-only", false, "page the dead-letter sub-queue only")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	view, err := explorer.ViewFromFlags(*activeOnly, *deadLetterOnly)
	if err != nil {
		fmt.Fprintln(c.stderr, "--active-only and --dead-letter-only are mutually exclusive")
		return 2
	}

	ctx, stop := commandContext()
	defer stop()
	s, code := c.openSession(ctx, cf)
	if code != 0 {
		return code
	}
	defer s.Close()

	res, err := s.svc.Page(ctx, s.entity, *page, *size, view)
	if err != nil {
		return c.fail(err)
	}
	views := explorer.ViewsOf(res.Items)
	if *cf.jsonOut {
		return c.writeJSON(map[string]any{
			"entity":       s.entity.Path(),
			"view":         view.String(),
			"page":         res.PageNumber,
			"page_size":    res.PageSize,
			"total_count":  res.TotalCount,
			"total_pages":  res.TotalPages(),
			"has_previous": res.HasPrevious(),
			"has_next":     res.HasNext(),
			"start_index":  res.StartIndex(),
			"end_index":    res.EndIndex(),
			"items":        views,
		})
	}
	fmt.Fprintf(c.stdout, "page %d/%d (%d messages, showing %d-%d)\n",
		res.PageNumber, res.TotalPages(), res.TotalCount, res.StartIndex(), res.EndIndex())
	c.printMessages(views)
	return 0
}

func (c *cli) deleteCmd(args []string) int {
	fs, cf := c.newFlagSet("delete")
	id := fs.String("id", "", "message id to delete")
	deadLetter := fs.Bool("dead-letter", false, "delete from the dead-letter sub-queue")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*id) == "" {
		fmt.Fprintln(c.stderr, "--id is required")
		return 2
	}

	ctx, stop := commandContext()
	defer stop()
	s, code := c.openSession(ctx, cf)
	if code != 0 {
		return code
	}
	defer s.Close()

	var res explorer.ScanResult
	var err error
	q := broker.Active
	if *deadLetter {
		q = broker.DeadLetter
		res, err = s.svc.DeleteDeadLetterMessage(ctx, s.entity, strings.TrimSpace(*id))
	} else {
		res, err = s.svc.DeleteActiveMessage(ctx, s.entity, strings.TrimSpace(*id))
	}
	if err != nil {
		return c.fail(err)
	}
	if *cf.jsonOut {
		out := map[string]any{
			"entity":    s.entity.Path(),
			"sub_queue": q.String(),
			"deleted":   res.Found,
			"batches":   res.Batches,
			"scanned":   res.Scanned,
		}
		if res.Found {
			out["message"] = explorer.ViewOf(res.Message)
		}
		if code := c.writeJSON(out); code != 0 {
			return code
		}
	}
	if !res.Found {
		fmt.Fprintf(c.stderr, "message %s not found in %s (%s) after scanning %d messages in %d batches\n",
			*id, s.entity.Path(), q, res.Scanned, res.Batches)
		return 1
	}
	if !*cf.jsonOut {
		fmt.Fprintf(c.stdout, "deleted %s from %s (%s), scanned %d\n", res.Message.ID, s.entity.Path(), q, res.Scanned)
	}
	return 0
}

func (c *cli) purgeCmd(args []string) int {
	fs, cf := c.newFlagSet("purge")
	optionRaw := fs.String("option", "all", "all|active|dead_letter")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	option, err := explorer.ParsePurgeOption(*optionRaw)
	if err != nil {
		fmt.Fprintln(c.stderr, err.Error())
		return 2
	}

	ctx, stop := commandContext()
	defer stop()
	s, code := c.openSession(ctx, cf)
	if code != 0 {
		return code
	}
	defer s.Close()

	purged, err := s.svc.PurgeMessages(ctx, s.entity, option)
	if *cf.jsonOut {
		out := map[string]any{"entity": s.entity.Path(), "option": option.String(), "purged": purged}
		if err != nil {
			out["error"] = err.Error()
		}
		if code := c.writeJSON(out); code != 0 {
			return code
		}
	} else {
		fmt.Fprintf(c.stdout, "purged %d messages from %s (%s)\n", purged, s.entity.Path(), option)
	}
	if err != nil {
		return c.fail(err)
	}
	return 0
}

func (c *cli) resubmitCmd(args []string) int {
	fs, cf := c.newFlagSet("resubmit")
	id := fs.String("id", "", "dead-letter message id to resubmit")
	keep := fs.Bool("keep-dead-letter", false, "leave the dead-letter copy in place")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*id) == "" {
		fmt.Fprintln(c.stderr, "--id is required")
		return 2
	}

	ctx, stop := commandContext()
	defer stop()
	s, code := c.openSession(ctx, cf)
	if code != 0 {
		return code
	}
	defer s.Close()

	err := s.svc.ResubmitDeadLetterMessage(ctx, s.entity, strings.TrimSpace(*id), explorer.ResubmitOptions{KeepDeadLetter: *keep})
	if err != nil {
		if errors.Is(err, explorer.ErrMessageNotFound) {
			fmt.Fprintf(c.stderr, "dead-letter message %s not found in %s\n", *id, s.entity.Path())
			return 1
		}
		return c.fail(err)
	}
	if *cf.jsonOut {
		return c.writeJSON(map[string]any{"entity": s.entity.Path(), "id": *id, "resubmitted": true, "keep_dead_letter": *keep})
	}
	fmt.Fprintf(c.stdout, "resubmitted %s to %s\n", *id, s.entity.Path())
	return 0
}

// propertyFlags collects repeated --property k=v flags.
type propertyFlags map[string]any

func (p propertyFlags) String() string { return fmt.Sprint(map[string]any(p)) }

func (p propertyFlags) Set(raw string) error {
	k, v, ok := strings.Cut(raw, "=")
	k = strings.TrimSpace(k)
	if !ok || k == "" {
		return fmt.Errorf("property %q must be key=value", raw)
	}
	p[k] = v
	return nil
}

func (c *cli) sendCmd(args []string) int {
	fs, cf := c.newFlagSet("send")
	body := fs.String("body", "", "message body (default: read stdin)")
	bodyFile := fs.String("body-file", "", "read the message body from file")
	id := fs.String("id", "", "message id (default: generated)")
	contentType := fs.String("content-type", "", "content type; gzip/zstd/s2 types are encoded before sending")
	subject := fs.String("subject", "", "message subject")
	correlationID := fs.String("correlation-id", "", "correlation id")
	sessionID := fs.String("session-id", "", "session id for session-enabled entities")
	decodeEscapes := fs.Bool("decode-escapes", false, `expand \n \t \uXXXX style escapes in the body`)
	raw := fs.Bool("raw", false, "send the body bytes as-is without content encoding")
	props := propertyFlags{}
	fs.Var(props, "property", "application property key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	payload, err := c.readBody(fs, *body, *bodyFile)
	if err != nil {
		fmt.Fprintln(c.stderr, err.Error())
		return 2
	}
	if *decodeEscapes {
		payload = []byte(explorer.DecodeEscapes(string(payload)))
	}

	ctx, stop := commandContext()
	defer stop()
	s, code := c.openSession(ctx, cf)
	if code != 0 {
		return code
	}
	defer s.Close()

	msg := explorer.OutgoingMessage{
		ID:            strings.TrimSpace(*id),
		Body:          payload,
		ContentType:   strings.TrimSpace(*contentType),
		Subject:       *subject,
		CorrelationID: strings.TrimSpace(*correlationID),
		SessionID:     strings.TrimSpace(*sessionID),
		Raw:           *raw,
	}
	if len(props) > 0 {
		msg.Properties = props
	}
	if err := s.svc.SendMessage(ctx, s.entity, msg); err != nil {
		return c.fail(err)
	}
	if *cf.jsonOut {
		return c.writeJSON(map[string]any{"entity": s.entity.Path(), "sent": 1, "bytes": len(payload)})
	}
	fmt.Fprintf(c.stdout, "sent 1 message (%d bytes) to %s\n", len(payload), s.entity.Path())
	return 0
}

func (c *cli) readBody(fs *flag.FlagSet, body, bodyFile string) ([]byte, error) {
	bodySet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "body" {
			bodySet = true
		}
	})
	switch {
	case bodySet && strings.TrimSpace(bodyFile) != "":
		return nil, errors.New("--body and --body-file are mutually exclusive")
	case bodySet:
		return []byte(body), nil
	case strings.TrimSpace(bodyFile) != "":
		return os.ReadFile(strings.TrimSpace(bodyFile))
	default:
		return io.ReadAll(c.stdin)
	}
}

func (c *cli) printMessages(views []explorer.MessageView) {
	if len(views) == 0 {
		fmt.Fprintln(c.stdout, "no messages")
		return
	}
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tID\tSTATUS\tENQUEUED\tSUBJECT\tBODY")
	for _, v := range views {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			v.SequenceNumber, v.ID, v.Status, v.EnqueuedAt, v.Subject, bodyPreview(v))
	}
	_ = tw.Flush()
}

func bodyPreview(v explorer.MessageView) string {
	if v.Body == "" && v.BodyB64 != "" {
		return "<binary " + v.BodyB64[:min(len(v.BodyB64), 16)] + "...>"
	}
	s := strings.Join(strings.Fields(v.Body), " ")
	if utf8.RuneCountInString(s) <= bodyPreviewLength {
		return s
	}
	r := []rune(s)
	return string(r[:bodyPreviewLength-3]) + "..."
}
