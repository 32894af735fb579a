package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/docopt/docopt-go"
	"github.com/mattn/go-shellwords"

	"github.com/docmesh/collab/collab"
)

const CollabCtlVersion = "0.0.1"

const RequestTimeout = 30 * time.Second

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collab control.

Usage:
    collabctl session --name=<name>
        [--relay_url=<relay_url>]
        [--mqtt_url=<mqtt_url>]
        [--store_dir=<store_dir>]
        [--project_root=<project_root>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --name=<name>                  Display name on the mesh.
    --relay_url=<relay_url>        Websocket relay hub url, e.g. ws://localhost:8090/mesh.
    --mqtt_url=<mqtt_url>          Mqtt broker url, e.g. tcp://localhost:1883.
    --store_dir=<store_dir>        Directory for history and address persistence.
    --project_root=<project_root>  Root directory for document path normalization.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if session_, _ := opts.Bool("session"); session_ {
		runSession(opts)
	} else {
		docopt.PrintHelpAndExit(nil, usage)
	}
}

type cli struct {
	ctx     context.Context
	session *collab.Session
	store   *collab.Store

	// currentPath is the document the unit commands operate on.
	// share, open and show <path> move it.
	currentPath string
}

func runSession(opts docopt.Opts) {
	displayName, _ := opts.String("--name")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store *collab.Store
	if storeDir, err := opts.String("--store_dir"); err == nil && storeDir != "" {
		var storeErr error
		store, storeErr = collab.NewStore(storeDir)
		if storeErr != nil {
			Err.Printf("open store: %v", storeErr)
			return
		}
		defer store.Close()
	}

	transport, err := buildTransport(cancelCtx, opts, displayName)
	if err != nil {
		Err.Printf("transport: %v", err)
		return
	}
	defer transport.Close()

	settings := collab.DefaultSessionSettings()
	if projectRoot, err := opts.String("--project_root"); err == nil {
		settings.ProjectRoot = projectRoot
	}

	session, err := collab.NewSession(cancelCtx, transport, displayName, store, clock.New(), settings)
	if err != nil {
		Err.Printf("session: %v", err)
		return
	}
	defer session.Close()

	backend := collab.NewLocalExecutionBackend()
	backend.Register("echo", func(ctx context.Context, args []string) (string, error) {
		return strings.Join(args, " "), nil
	})
	backend.Register("time", func(ctx context.Context, args []string) (string, error) {
		return time.Now().Format(time.RFC3339), nil
	})
	session.SetExecutionBackend(backend)

	session.Presence().AddPresenceCallback(func(event *collab.PresenceEvent) {
		Out.Printf("* %s %s", event.Peer.DisplayName, event.Type)
	})

	if connected := session.ConnectKnownAddresses(); 0 < connected {
		Out.Printf("redialed %d known addresses", connected)
	}

	Out.Printf("%s on the mesh as %s", displayName, session.PeerId())

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		Out.Printf("closing")
		session.Close()
		os.Exit(0)
	}()

	repl := &cli{
		ctx:     cancelCtx,
		session: session,
		store:   store,
	}
	repl.run()
}

func buildTransport(ctx context.Context, opts docopt.Opts, displayName string) (collab.Transport, error) {
	address := fmt.Sprintf("%s-%s", displayName, collab.NewId().String()[:8])
	if relayUrl, err := opts.String("--relay_url"); err == nil && relayUrl != "" {
		return collab.NewRelayTransportWithDefaults(ctx, relayUrl, address), nil
	}
	if mqttUrl, err := opts.String("--mqtt_url"); err == nil && mqttUrl != "" {
		return collab.NewMqttTransportWithDefaults(ctx, mqttUrl, address)
	}
	// no hub at all still works, just alone
	return collab.NewMesh().NewTransport(address), nil
}

func (self *cli) run() {
	usage := `Collab session.

Usage:
    collabctl roster
    collabctl docs
    collabctl share <path> [<file>]
    collabctl open <path>
    collabctl show [<path>]
    collabctl edit <unit> <content>...
    collabctl add <kind> [--at=<at>] <content>...
    collabctl del <unit>
    collabctl move <unit> (up | down)
    collabctl kind <unit> <kind>
    collabctl cursor <unit> <line> <column>
    collabctl cursors
    collabctl undo
    collabctl redo [<node>]
    collabctl branches
    collabctl goto <node>
    collabctl close [<path>]
    collabctl fetch <target> <path> [--selector=<selector>]
    collabctl call <target> <endpoint> [<args>...]
    collabctl run <unit>
    collabctl exec <target> <source>...
    collabctl refresh
    collabctl connect <address>
    collabctl name <name>
    collabctl quit

Options:
    -h --help              Show this screen.
    --at=<at>              Insert position [default: -1].
    --selector=<selector>  Narrow a fetch to one named symbol.`

	docopt.DefaultParser.HelpHandler = func(err error, usage string) {
		if err == nil {
			fmt.Println(usage)
		} else {
			Out.Printf("unknown command, try help")
		}
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")

		input, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		args, err := shellwords.Parse(input)
		if err != nil {
			Out.Printf("parse: %v", err)
			continue
		}

		opts, err := docopt.ParseArgs(usage, args, CollabCtlVersion)
		if err != nil {
			continue
		}

		if roster_, _ := opts.Bool("roster"); roster_ {
			self.roster()
		} else if docs_, _ := opts.Bool("docs"); docs_ {
			self.docs()
		} else if share_, _ := opts.Bool("share"); share_ {
			self.share(opts)
		} else if open_, _ := opts.Bool("open"); open_ {
			self.open(opts)
		} else if show_, _ := opts.Bool("show"); show_ {
			self.show(opts)
		} else if edit_, _ := opts.Bool("edit"); edit_ {
			self.edit(opts)
		} else if add_, _ := opts.Bool("add"); add_ {
			self.add(opts)
		} else if del_, _ := opts.Bool("del"); del_ {
			self.del(opts)
		} else if move_, _ := opts.Bool("move"); move_ {
			self.move(opts)
		} else if kind_, _ := opts.Bool("kind"); kind_ {
			self.kind(opts)
		} else if cursor_, _ := opts.Bool("cursor"); cursor_ {
			self.cursor(opts)
		} else if cursors_, _ := opts.Bool("cursors"); cursors_ {
			self.cursors()
		} else if undo_, _ := opts.Bool("undo"); undo_ {
			self.undo()
		} else if redo_, _ := opts.Bool("redo"); redo_ {
			self.redo(opts)
		} else if branches_, _ := opts.Bool("branches"); branches_ {
			self.branches()
		} else if goto_, _ := opts.Bool("goto"); goto_ {
			self.gotoNode(opts)
		} else if close_, _ := opts.Bool("close"); close_ {
			self.closeDocument(opts)
		} else if fetch_, _ := opts.Bool("fetch"); fetch_ {
			self.fetch(opts)
		} else if call_, _ := opts.Bool("call"); call_ {
			self.call(opts)
		} else if run_, _ := opts.Bool("run"); run_ {
			self.runUnit(opts)
		} else if exec_, _ := opts.Bool("exec"); exec_ {
			self.exec(opts)
		} else if refresh_, _ := opts.Bool("refresh"); refresh_ {
			self.session.ForceRefresh()
			Out.Printf("refreshed")
		} else if connect_, _ := opts.Bool("connect"); connect_ {
			self.connect(opts)
		} else if name_, _ := opts.Bool("name"); name_ {
			displayName, _ := opts.String("<name>")
			self.session.SetDisplayName(displayName)
			Out.Printf("now %s", displayName)
		} else if quit_, _ := opts.Bool("quit"); quit_ {
			return
		}
	}
}

func (self *cli) roster() {
	peers := self.session.Presence().Roster()
	if len(peers) == 0 {
		Out.Printf("nobody else here")
		return
	}
	for _, peer := range peers {
		state := "online"
		if !peer.Online {
			state = "offline"
		}
		line := fmt.Sprintf("%-16s %-8s %s", peer.DisplayName, state, peer.PeerId)
		if peer.ActiveDocument != "" {
			line += fmt.Sprintf("  editing %s", peer.ActiveDocument)
		}
		Out.Printf("%s", line)
	}
}

func (self *cli) docs() {
	for _, channel := range self.session.Channels() {
		marker := " "
		if channel.DocumentPath() == self.currentPath {
			marker = "*"
		}
		Out.Printf("%s %s (shared here)", marker, channel.DocumentPath())
	}
	remote := self.session.Manifest().RemoteDocuments()
	documentPaths := make([]string, 0, len(remote))
	for documentPath := range remote {
		documentPaths = append(documentPaths, documentPath)
	}
	slices.Sort(documentPaths)
	for _, documentPath := range documentPaths {
		if _, ok := self.session.Channel(documentPath); ok {
			continue
		}
		peerIds := self.session.Manifest().PeersSharing(documentPath)
		names := make([]string, 0, len(peerIds))
		for _, peerId := range peerIds {
			if peer, ok := self.session.Presence().Peer(peerId); ok && peer.DisplayName != "" {
				names = append(names, peer.DisplayName)
			} else {
				names = append(names, peerId)
			}
		}
		Out.Printf("  %s (from %s)", documentPath, strings.Join(names, ", "))
	}
}

func (self *cli) share(opts docopt.Opts) {
	documentPath, _ := opts.String("<path>")

	var units []*collab.UnitState
	if filePath, err := opts.String("<file>"); err == nil && filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			Out.Printf("read %s: %v", filePath, err)
			return
		}
		units = unitsFromText(string(data))
	}

	channel, err := self.session.Share(documentPath, units)
	if err != nil {
		Out.Printf("share: %v", err)
		return
	}
	self.watch(channel)
	self.currentPath = channel.DocumentPath()
	Out.Printf("sharing %s (%d units)", channel.DocumentPath(), channel.Document().UnitCount())
}

func (self *cli) open(opts docopt.Opts) {
	documentPath, _ := opts.String("<path>")

	requestCtx, cancel := context.WithTimeout(self.ctx, RequestTimeout)
	defer cancel()

	channel, err := self.session.Open(requestCtx, documentPath)
	if err != nil {
		Out.Printf("open: %v", err)
		return
	}
	self.watch(channel)
	self.currentPath = channel.DocumentPath()
	Out.Printf("opened %s (%d units)", channel.DocumentPath(), channel.Document().UnitCount())
}

// watch prints what other peers do to the document.
func (self *cli) watch(channel *collab.DocumentChannel) {
	documentPath := channel.DocumentPath()
	channel.AddDocumentCallback(func(event *collab.DocumentEvent) {
		if !event.Remote {
			return
		}
		who := event.Author.DisplayName
		if who == "" {
			who = event.Author.PeerId
		}
		Out.Printf("* %s: %s by %s", documentPath, event.Type, who)
	})
	channel.AddCursorCallback(func(position *collab.CursorPosition) {
		Out.Printf("* %s: cursor %s at %d:%d", documentPath, position.PeerId, position.Line, position.Column)
	})
}

func (self *cli) channel(opts docopt.Opts) (*collab.DocumentChannel, bool) {
	documentPath := self.currentPath
	if argPath, err := opts.String("<path>"); err == nil && argPath != "" {
		documentPath = argPath
	}
	if documentPath == "" {
		Out.Printf("no document, share or open one first")
		return nil, false
	}
	channel, ok := self.session.Channel(documentPath)
	if !ok {
		Out.Printf("not sharing %s", documentPath)
		return nil, false
	}
	self.currentPath = channel.DocumentPath()
	return channel, true
}

func (self *cli) show(opts docopt.Opts) {
	channel, ok := self.channel(opts)
	if !ok {
		return
	}
	units := channel.Document().Units()
	if len(units) == 0 {
		Out.Printf("%s is empty", channel.DocumentPath())
		return
	}
	for i, unit := range units {
		Out.Printf("[%d] %s %s", i, unit.Kind, shortId(unit.UnitId))
		for _, line := range strings.Split(unit.Content, "\n") {
			Out.Printf("    %s", line)
		}
	}
}

func (self *cli) edit(opts docopt.Opts) {
	channel, ok := self.channel(opts)
	if !ok {
		return
	}
	unitId, ok := self.resolveUnit(channel, opts)
	if !ok {
		return
	}
	content := joinContent(opts)
	if err := channel.StageEdit(unitId, content); err != nil {
		Out.Printf("edit: %v", err)
	}
}

func (self *cli) add(opts docopt.Opts) {
	channel, ok := self.channel(opts)
	if !ok {
		return
	}
	kind := collab.UnitKind(argString(opts, "<kind>"))
	index, err := opts.Int("--at")
	if err != nil {
		index = -1
	}
	if index < 0 {
		index = channel.Document().UnitCount()
	}
	unitId, err := channel.AddUnit(kind, joinContent(opts), index)
	if err != nil {
		Out.Printf("add: %v", err)
		return
	}
	Out.Printf("added %s", shortId(unitId))
}

func (self *cli) del(opts docopt.Opts) {
	channel, ok := self.channel(opts)
	if !ok {
		return
	}
	unitId, ok := self.resolveUnit(channel, opts)
	if !ok {
		return
	}
	if err := channel.DeleteUnit(unitId); err != nil {
		Out.Printf("del: %v", err)
	}
}

func (self *cli) move(opts docopt.Opts) {
	channel, ok := self.channel(opts)
	if !ok {
		return
	}
	unitId, ok := self.resolveUnit(channel, opts)
	if !ok {
		return
	}
	direction := collab.MoveDown
	if up_, _ := opts.Bool("up"); up_ {
		direction = collab.MoveUp
	}
	if err := channel.MoveUnit(unitId, direction); err != nil {
		Out.Printf("move: %v", err)
	}
}

func (self *cli) kind(opts docopt.Opts) {
	channel, ok := self.channel(opts)
	if !ok {
		return
	}
	unitId, ok := self.resolveUnit(channel, opts)
	if !ok {
		return
	}
	if err := channel.ChangeUnitKind(unitId, collab.UnitKind(argString(opts, "<kind>"))); err != nil {
		Out.Printf("kind: %v", err)
	}
}

func (self *cli) cursor(opts docopt.Opts) {
	channel, ok := self.channel(opts)
	if !ok {
		return
	}
	unitId, ok := self.resolveUnit(channel, opts)
	if !ok {
		return
	}
	line, _ := opts.Int("<line>")
	column, _ := opts.Int("<column>")
	channel.SendCursor(unitId, line, column)
}

func (self *cli) cursors() {
	channel, ok := self.channel(docopt.Opts{})
	if !ok {
		return
	}
	positions := channel.Cursors()
	if len(positions) == 0 {
		Out.Printf("no cursors")
		return
	}
	for _, position := range positions {
		Out.Printf("%s at %s %d:%d", position.PeerId, shortId(position.UnitId), position.Line, position.Column)
	}
}

func (self *cli) undo() {
	channel, ok := self.channel(docopt.Opts{})
	if !ok {
		return
	}
	if err := channel.Undo(); err != nil {
		Out.Printf("undo: %v", err)
	}
}

func (self *cli) redo(opts docopt.Opts) {
	channel, ok := self.channel(docopt.Opts{})
	if !ok {
		return
	}
	if nodeArg, err := opts.String("<node>"); err == nil && nodeArg != "" {
		nodeId, ok := self.resolveNode(channel, nodeArg)
		if !ok {
			return
		}
		if err := channel.RedoTo(nodeId); err != nil {
			Out.Printf("redo: %v", err)
		}
		return
	}
	err := channel.Redo()
	if errors.Is(err, collab.ErrAmbiguousRedo) {
		Out.Printf("more than one branch ahead, pick one:")
		for _, option := range channel.RedoOptions() {
			Out.Printf("  %s %s %s", shortId(option.NodeId), option.Action, option.Label)
		}
		return
	}
	if err != nil {
		Out.Printf("redo: %v", err)
	}
}

func (self *cli) branches() {
	channel, ok := self.channel(docopt.Opts{})
	if !ok {
		return
	}
	for _, summary := range channel.Document().History().Summaries() {
		marker := " "
		if summary.Current {
			marker = "*"
		}
		label := summary.Label
		if label == "" {
			label = summary.Action
		}
		Out.Printf("%s %s%s %s (%s)", marker, strings.Repeat("  ", summary.Depth), shortId(summary.NodeId), label, summary.AuthorName)
	}
}

func (self *cli) gotoNode(opts docopt.Opts) {
	channel, ok := self.channel(docopt.Opts{})
	if !ok {
		return
	}
	nodeArg, _ := opts.String("<node>")
	nodeId, ok := self.resolveNode(channel, nodeArg)
	if !ok {
		return
	}
	if err := channel.Goto(nodeId); err != nil {
		Out.Printf("goto: %v", err)
	}
}

func (self *cli) closeDocument(opts docopt.Opts) {
	documentPath := self.currentPath
	if argPath, err := opts.String("<path>"); err == nil && argPath != "" {
		documentPath = argPath
	}
	if documentPath == "" {
		Out.Printf("no document")
		return
	}
	if err := self.session.CloseDocument(documentPath); err != nil {
		Out.Printf("close: %v", err)
		return
	}
	if documentPath == self.currentPath {
		self.currentPath = ""
	}
	Out.Printf("closed %s", documentPath)
}

func (self *cli) fetch(opts docopt.Opts) {
	target, _ := opts.String("<target>")
	documentPath, _ := opts.String("<path>")
	selector, _ := opts.String("--selector")

	requestCtx, cancel := context.WithTimeout(self.ctx, RequestTimeout)
	defer cancel()

	response, err := self.session.FetchContent(requestCtx, target, documentPath, selector)
	if err != nil {
		Out.Printf("fetch: %v", err)
		return
	}
	for _, warning := range response.Warnings {
		Out.Printf("warning: %s", warning)
	}
	Out.Printf("%s", response.Content)
}

func (self *cli) call(opts docopt.Opts) {
	target, _ := opts.String("<target>")
	endpoint, _ := opts.String("<endpoint>")
	args := argStrings(opts, "<args>")

	requestCtx, cancel := context.WithTimeout(self.ctx, RequestTimeout)
	defer cancel()

	response, err := self.session.InvokeService(requestCtx, target, endpoint, args)
	if err != nil {
		Out.Printf("call: %v", err)
		return
	}
	for _, warning := range response.Warnings {
		Out.Printf("warning: %s", warning)
	}
	Out.Printf("%s", response.Result)
}

func (self *cli) runUnit(opts docopt.Opts) {
	channel, ok := self.channel(docopt.Opts{})
	if !ok {
		return
	}
	unitId, ok := self.resolveUnit(channel, opts)
	if !ok {
		return
	}

	requestCtx, cancel := context.WithTimeout(self.ctx, RequestTimeout)
	defer cancel()

	outputs, err := self.session.ExecuteUnit(requestCtx, channel.DocumentPath(), unitId)
	if err != nil {
		Out.Printf("run: %v", err)
		return
	}
	for _, output := range outputs {
		Out.Printf("[%s] %s", output.Kind, output.Text)
	}
}

func (self *cli) exec(opts docopt.Opts) {
	target, _ := opts.String("<target>")
	source := strings.Join(argStrings(opts, "<source>"), " ")

	requestCtx, cancel := context.WithTimeout(self.ctx, RequestTimeout)
	defer cancel()

	response, err := self.session.ExecuteRemote(requestCtx, target, source)
	if err != nil {
		Out.Printf("exec: %v", err)
		return
	}
	for _, warning := range response.Warnings {
		Out.Printf("warning: %s", warning)
	}
	Out.Printf("%s", response.Result)
}

func (self *cli) connect(opts docopt.Opts) {
	address, _ := opts.String("<address>")
	if err := self.session.Connect(address); err != nil {
		Out.Printf("connect: %v", err)
		return
	}
	Out.Printf("connected %s", address)
}

// resolveUnit accepts an index from show, or a unit id prefix.
func (self *cli) resolveUnit(channel *collab.DocumentChannel, opts docopt.Opts) (string, bool) {
	unitArg, _ := opts.String("<unit>")
	units := channel.Document().Units()

	if index, err := strconv.Atoi(unitArg); err == nil {
		if index < 0 || len(units) <= index {
			Out.Printf("no unit %d", index)
			return "", false
		}
		return units[index].UnitId, true
	}

	matches := []string{}
	for _, unit := range units {
		if strings.HasPrefix(unit.UnitId, unitArg) {
			matches = append(matches, unit.UnitId)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], true
	case 0:
		Out.Printf("no unit %s", unitArg)
		return "", false
	default:
		Out.Printf("%s is ambiguous", unitArg)
		return "", false
	}
}

func (self *cli) resolveNode(channel *collab.DocumentChannel, nodeArg string) (string, bool) {
	matches := []string{}
	for _, summary := range channel.Document().History().Summaries() {
		if strings.HasPrefix(summary.NodeId, nodeArg) {
			matches = append(matches, summary.NodeId)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], true
	case 0:
		Out.Printf("no node %s", nodeArg)
		return "", false
	default:
		Out.Printf("%s is ambiguous", nodeArg)
		return "", false
	}
}

func shortId(id string) string {
	if 8 < len(id) {
		return id[:8]
	}
	return id
}

func argString(opts docopt.Opts, key string) string {
	value, _ := opts.String(key)
	return value
}

func argStrings(opts docopt.Opts, key string) []string {
	if value, ok := opts[key]; ok {
		if values, ok := value.([]string); ok {
			return values
		}
	}
	return []string{}
}

func joinContent(opts docopt.Opts) string {
	return strings.Join(argStrings(opts, "<content>"), " ")
}

// unitsFromText splits a file into units on blank lines. Fenced blocks
// become code units with the fences stripped.
func unitsFromText(text string) []*collab.UnitState {
	units := []*collab.UnitState{}
	for _, block := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		block = strings.Trim(block, "\n")
		if block == "" {
			continue
		}
		kind := collab.UnitKindNarrative
		var attributes map[string]string
		if strings.HasPrefix(block, "```") {
			kind = collab.UnitKindCode
			block = strings.TrimPrefix(block, "```")
			if i := strings.Index(block, "\n"); 0 <= i {
				if language := strings.TrimSpace(block[:i]); language != "" {
					attributes = map[string]string{"language": language}
				}
				block = block[i+1:]
			} else {
				block = ""
			}
			block = strings.TrimSuffix(block, "```")
			block = strings.Trim(block, "\n")
		}
		units = append(units, &collab.UnitState{
			UnitId:     collab.NewId().String(),
			Kind:       kind,
			Content:    block,
			Attributes: attributes,
		})
	}
	return units
}
