package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bringyour/tasksync/tasksync"
	"github.com/bringyour/tasksync/tasksync/plans"
)

const SyncCtlVersion = "0.0.1"

const JwtEnvVar = "TASKSYNC_JWT"

func main() {
	usage := fmt.Sprintf(
		`Task sync control.

Settings are read from the yaml config and overridden by the flags.
The jwt is read from --jwt, then $%s, then prompted.

Usage:
    syncctl watch <operation> [--var=<var>...] [options]
    syncctl query <operation> [--var=<var>...] [options]
    syncctl mutate <mutation> [--var=<var>...] [options]
    syncctl complete-task <task_id> [options]
    syncctl reopen-task <task_id> [options]
    syncctl pending [--config=<config>] [--store=<store>] [--json]
    syncctl replay [options]
    syncctl status [options]
    syncctl token-info [--jwt=<jwt>]

Options:
    -h --help                     Show this screen.
    --version                     Show version.
    --config=<config>             Yaml settings file.
    --graphql_url=<graphql_url>   GraphQL http url.
    --store=<store>               Store directory for the cache snapshot and pending mutations.
    --jwt=<jwt>                   Access token.
    --var=<var>                   Operation variable as name=value. Values are parsed as json when possible.
    --root_location=<id>          Scope the global subscriptions to this location.
    --metrics_addr=<addr>         Serve prometheus metrics on this address.
    --json                        Print the full records as json.
    --log_v=<v>                   Log verbosity [default: 0].`,
		JwtEnvVar,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)
	defer glog.Flush()

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if query_, _ := opts.Bool("query"); query_ {
		query(opts)
	} else if mutate_, _ := opts.Bool("mutate"); mutate_ {
		mutate(opts)
	} else if completeTask_, _ := opts.Bool("complete-task"); completeTask_ {
		taskId, _ := opts.String("<task_id>")
		runMutation(opts, plans.CompleteTask, tasksync.Variables{"id": taskId})
	} else if reopenTask_, _ := opts.Bool("reopen-task"); reopenTask_ {
		taskId, _ := opts.String("<task_id>")
		runMutation(opts, plans.ReopenTask, tasksync.Variables{"id": taskId})
	} else if pending_, _ := opts.Bool("pending"); pending_ {
		pending(opts)
	} else if replay_, _ := opts.Bool("replay"); replay_ {
		replay(opts)
	} else if status_, _ := opts.Bool("status"); status_ {
		status(opts)
	} else if tokenInfo_, _ := opts.Bool("token-info"); tokenInfo_ {
		tokenInfo(opts)
	} else {
		docopt.PrintHelpAndExit(nil, usage)
	}
}

func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	if v, err := opts.String("--log_v"); err == nil {
		flag.Set("v", v)
	}
}

func settingsFromOpts(opts docopt.Opts) *tasksync.EngineSettings {
	var settings *tasksync.EngineSettings
	if config, err := opts.String("--config"); err == nil && config != "" {
		settings, err = tasksync.LoadSettings(config)
		if err != nil {
			fail(err)
		}
	} else {
		settings = tasksync.DefaultEngineSettings()
	}

	if graphQLUrl, err := opts.String("--graphql_url"); err == nil && graphQLUrl != "" {
		settings.GraphQLUrl = graphQLUrl
	}
	if store, err := opts.String("--store"); err == nil && store != "" {
		settings.Store.Path = store
		settings.Store.InMemory = false
	}
	if rootLocationId, err := opts.String("--root_location"); err == nil && rootLocationId != "" {
		settings.RootLocationIds = []string{rootLocationId}
	}
	return settings
}

func requireJwt(opts docopt.Opts) string {
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		return jwt
	}
	if jwt := os.Getenv(JwtEnvVar); jwt != "" {
		return jwt
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		fail(fmt.Errorf("No jwt. Use --jwt or $%s.", JwtEnvVar))
	}
	fmt.Print("Enter jwt: ")
	jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Printf("\n")
	if err != nil {
		fail(err)
	}
	return strings.TrimSpace(string(jwtBytes))
}

// starts an engine with the built-in documents and plans
func startEngine(ctx context.Context, opts docopt.Opts) *tasksync.Engine {
	settings := settingsFromOpts(opts)
	tokenProvider := tasksync.StaticTokenProvider(requireJwt(opts))

	var registerer prometheus.Registerer
	if metricsAddr, err := opts.String("--metrics_addr"); err == nil && metricsAddr != "" {
		registry := prometheus.NewRegistry()
		registerer = registry
		serveMetrics(ctx, metricsAddr, registry)
	}

	engine, err := tasksync.NewEngine(ctx, tokenProvider, settings, registerer)
	if err != nil {
		fail(err)
	}
	if err := plans.RegisterDocuments(engine.Documents()); err != nil {
		engine.Close()
		fail(err)
	}
	plans.RegisterAll(engine.Registry())

	engine.Transport().AddConnectionStateCallback(func(state tasksync.ConnectionState) {
		if state.IsLive() {
			fmt.Fprintf(os.Stderr, "realtime: %s\n", state)
		} else {
			fmt.Fprintf(os.Stderr, "realtime: %s (changes are not pushed)\n", state)
		}
	})

	if err := engine.Start(ctx); err != nil {
		engine.Close()
		fail(err)
	}
	return engine
}

func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer) {
	metricsServer := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	}
	go func() {
		err := metricsServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics error: %s\n", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutdownCtx)
	}()
}

func signalContext() (context.Context, context.CancelFunc) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case <-c:
			cancel()
		case <-cancelCtx.Done():
		}
	}()
	return cancelCtx, cancel
}

func parseVariables(opts docopt.Opts) tasksync.Variables {
	variables := tasksync.Variables{}
	vars, _ := opts["--var"].([]string)
	for _, v := range vars {
		name, value, ok := strings.Cut(v, "=")
		if !ok || name == "" {
			fail(fmt.Errorf("Variable must be name=value: %s", v))
		}
		var jsonValue any
		if err := json.Unmarshal([]byte(value), &jsonValue); err == nil {
			variables[name] = jsonValue
		} else {
			variables[name] = value
		}
	}
	return variables
}

func watch(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	engine := startEngine(ctx, opts)
	defer engine.Close()

	operation, _ := opts.String("<operation>")
	key := tasksync.NewQueryKey(operation, parseVariables(opts))

	unwatch := engine.Watch(key, func(value map[string]any, ok bool) {
		if !ok {
			fmt.Printf("%s: evicted\n", key)
			return
		}
		printJson(value)
	})
	defer unwatch()

	coordinator := engine.Coordinator()
	removeRefreshing := coordinator.AddRefreshingCallback(func() {
		for _, entityKey := range coordinator.RefreshingEntities() {
			fmt.Fprintf(os.Stderr, "refreshing %s\n", entityKey)
		}
	})
	defer removeRefreshing()

	<-ctx.Done()
}

// reads from the server, skipping the cache
func query(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	engine := startEngine(ctx, opts)
	defer engine.Close()

	operationName, _ := opts.String("<operation>")
	operation, ok := engine.Documents().Lookup(operationName)
	if !ok {
		engine.Close()
		fail(fmt.Errorf("%w: %s", tasksync.ErrUnknownOperation, operationName))
	}

	queryCallback, queryChannel := tasksync.NewBlockingApiCallback[map[string]any]()
	engine.Client().ExecuteAsync(operation.Document, parseVariables(opts), queryCallback)

	var queryResult tasksync.ApiCallbackResult[map[string]any]
	select {
	case <-ctx.Done():
		return
	case queryResult = <-queryChannel:
	}
	if queryResult.Error != nil {
		engine.Close()
		fail(queryResult.Error)
	}
	printJson(queryResult.Result)
}

func mutate(opts docopt.Opts) {
	mutation, _ := opts.String("<mutation>")
	runMutation(opts, mutation, parseVariables(opts))
}

func runMutation(opts docopt.Opts, mutation string, variables tasksync.Variables) {
	ctx, cancel := signalContext()
	defer cancel()

	engine := startEngine(ctx, opts)
	defer engine.Close()

	engine.SetConflictResolver(func(ctx context.Context, request *tasksync.MutationRequest, conflictErr *tasksync.ConflictError) tasksync.ConflictChoice {
		fmt.Fprintf(os.Stderr, "conflict on %s: %s\n", request.Name, conflictErr)
		return tasksync.ConflictChoiceUseServer
	})

	entityKind, _ := plans.EntityKind(mutation)
	result, err := engine.Mutate(ctx, &tasksync.MutationRequest{
		Name:       mutation,
		Variables:  variables,
		EntityKind: entityKind,
	})
	if err != nil {
		// exit skips defers
		engine.Close()
		fail(err)
	}
	fmt.Printf("client_mutation_id: %s\n", result.ClientMutationId)
	printJson(result.Data)
}

// lists the pending mutations left in the store by a previous run
func pending(opts docopt.Opts) {
	settings := settingsFromOpts(opts)
	if settings.Store.Path == "" {
		fail(errors.New("A store path is required. Use --store or the config store.path."))
	}
	store, err := tasksync.OpenStore(settings.Store)
	if err != nil {
		fail(err)
	}
	defer store.Close()

	pendings, err := store.ListPending()
	if err != nil {
		fail(err)
	}
	if json_, _ := opts.Bool("--json"); json_ {
		printJson(pendings)
		return
	}
	for _, pending := range pendings {
		fmt.Printf(
			"%s %s %s %s:%s attempt=%d\n",
			pending.SubmittedAt.Format(time.RFC3339),
			pending.ClientMutationId,
			pending.MutationName,
			pending.EntityKind,
			pending.EntityId,
			pending.Attempt,
		)
	}
	fmt.Printf("%d pending\n", len(pendings))
}

// `Start` replays whatever the store holds
func replay(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	engine := startEngine(ctx, opts)
	defer engine.Close()

	fmt.Printf("%d pending\n", len(engine.Runner().Pending()))
}

func status(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	engine := startEngine(ctx, opts)
	defer engine.Close()

	transport := engine.Transport()
	state := transport.State()
	graphQLUrl := engine.Client().EndpointUrl()
	realtimeUrl, _ := tasksync.RealtimeUrl(graphQLUrl, "")

	fmt.Printf("graphql_url: %s\n", graphQLUrl)
	fmt.Printf("realtime_url: %s\n", realtimeUrl)
	fmt.Printf("realtime: %s\n", state)
	fmt.Printf("live: %t\n", state.IsLive())
	fmt.Printf("subscriptions: %d\n", transport.SubscriptionCount())
	fmt.Printf("reconnect_attempts: %d\n", transport.ReconnectAttempts())
	fmt.Printf("active_queries: %d\n", len(engine.Cache().ActiveQueries()))
	fmt.Printf("pending: %d\n", len(engine.Runner().Pending()))
}

func tokenInfo(opts docopt.Opts) {
	claims, err := tasksync.ParseTokenClaims(requireJwt(opts))
	if err != nil {
		fail(err)
	}
	fmt.Printf("subject: %s\n", claims.Subject)
	fmt.Printf("name: %s\n", claims.Name)
	fmt.Printf("email: %s\n", claims.Email)
	if !claims.IssuedAt.IsZero() {
		fmt.Printf("issued_at: %s\n", claims.IssuedAt.Format(time.RFC3339))
	}
	if !claims.ExpiresAt.IsZero() {
		fmt.Printf("expires_at: %s (in %s)\n", claims.ExpiresAt.Format(time.RFC3339), time.Until(claims.ExpiresAt).Round(time.Second))
	}
}

func printJson(value any) {
	valueBytes, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s\n", valueBytes)
}

func fail(err error) {
	glog.Flush()
	fmt.Fprintf(os.Stderr, "%s\n", err)
	os.Exit(1)
}
