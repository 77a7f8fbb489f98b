package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/arch/arm64/arm64asm"

	"github.com/zboralski/dalvik/internal/apk"
	"github.com/zboralski/dalvik/internal/config"
	"github.com/zboralski/dalvik/internal/dvm"
	"github.com/zboralski/dalvik/internal/emulator"
	"github.com/zboralski/dalvik/internal/jni"
	glog "github.com/zboralski/dalvik/internal/log"
	"github.com/zboralski/dalvik/internal/script"
	"github.com/zboralski/dalvik/internal/stubs"
	_ "github.com/zboralski/dalvik/internal/stubs/all"
	"github.com/zboralski/dalvik/internal/trace"
	"github.com/zboralski/dalvik/internal/ui/colorize"
)

var (
	verbose bool
	quiet   bool
	flags   runFlags
)

type runFlags struct {
	config    string
	apk       string
	script    string
	forceInit bool
	insn      int
	limit     uint64
	calls     []string
	notFound  []string
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "dalvik",
		Short: "Run Android JNI libraries against an emulated Dalvik bridge",
		Long: `Dalvik loads ARM64 JNI libraries into an emulator and hands them a fake
JavaVM. Native code reaches the bridge through JNIEnv; every object it sees
is a handle into the bridge's local and global reference tables.

Examples:
  dalvik run native --apk app.apk            # load libnative.so from the APK
  dalvik run ./libnative.so --force-init     # load from disk, run init_array
  dalvik run -c run.yaml -n 200              # config file, 200 insn listing
  dalvik refs -c run.yaml                    # reference diagnostics only
  dalvik info app.apk                        # package and native library info`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (summary only)")

	runCmd := &cobra.Command{
		Use:   "run [library]",
		Short: "Load a library and call JNI_OnLoad",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd, args, false)
		},
	}
	refsCmd := &cobra.Command{
		Use:   "refs [library]",
		Short: "Like run, but print only reference diagnostics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd, args, true)
		},
	}
	for _, c := range []*cobra.Command{runCmd, refsCmd} {
		f := c.Flags()
		f.StringVarP(&flags.config, "config", "c", "", "YAML run configuration")
		f.StringVar(&flags.apk, "apk", "", "application package")
		f.StringVar(&flags.script, "script", "", "JavaScript hooks")
		f.BoolVar(&flags.forceInit, "force-init", false, "run DT_INIT and init_array")
		f.Uint64Var(&flags.limit, "limit", 0, "stop each call after N instructions")
		f.StringSliceVar(&flags.calls, "call", nil, "exported symbols to call after JNI_OnLoad")
		f.StringSliceVar(&flags.notFound, "not-found", nil, "classes FindClass should not find")
	}
	runCmd.Flags().IntVarP(&flags.insn, "insn", "n", 0, "list the first N instructions")

	infoCmd := &cobra.Command{
		Use:   "info <app.apk|lib.so>",
		Short: "Show package or library information",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}
	rootCmd.AddCommand(runCmd, refsCmd, infoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges the config file with command-line overrides.
func loadConfig(args []string) (*config.Config, error) {
	cfg := &config.Config{}
	if flags.config != "" {
		var err error
		if cfg, err = config.Load(flags.config); err != nil {
			return nil, err
		}
	}
	if len(args) > 0 {
		target := args[0]
		if _, err := os.Stat(target); err == nil || strings.HasSuffix(target, ".so") {
			cfg.LibraryPath, cfg.Library = target, ""
		} else {
			cfg.Library, cfg.LibraryPath = target, ""
		}
	}
	if flags.apk != "" {
		cfg.APK = flags.apk
	}
	if flags.script != "" {
		cfg.Script = flags.script
	}
	cfg.ForceInit = cfg.ForceInit || flags.forceInit
	cfg.Verbose = cfg.Verbose || verbose
	cfg.Call = append(cfg.Call, flags.calls...)
	cfg.NotFoundClasses = append(cfg.NotFoundClasses, flags.notFound...)
	return cfg, cfg.Validate()
}

// session is one emulator, VM and JNI environment.
type session struct {
	cfg    *config.Config
	emu    *emulator.Emulator
	vm     *dvm.VM
	env    *jni.Env
	pkg    *apk.APK
	events *trace.Buffer
}

func newSession(cfg *config.Config) (*session, error) {
	emu, err := emulator.New(
		emulator.WithLogger(glog.L),
		emulator.WithImportBinder(stubs.DefaultRegistry),
		emulator.WithInstructionLimit(flags.limit),
	)
	if err != nil {
		return nil, fmt.Errorf("create emulator: %w", err)
	}
	s := &session{cfg: cfg, emu: emu, events: &trace.Buffer{}}

	opts := []dvm.Option{
		dvm.WithLogger(glog.L),
		dvm.WithVerbose(cfg.Verbose),
		dvm.OnEvent(s.record),
	}
	if cfg.APK != "" {
		if s.pkg, err = apk.Open(cfg.APK); err != nil {
			s.Close()
			return nil, err
		}
		opts = append(opts, dvm.WithPackage(s.pkg))
	}
	if r := cfg.AssetResolver(); r != nil {
		opts = append(opts, dvm.WithAssetResolver(r))
	}
	s.vm = dvm.New(emu, opts...)

	// Script hooks replace the config's asset resolver when they define one.
	if cfg.Script != "" {
		hooks, err := script.LoadFile(cfg.Script, glog.L)
		if err != nil {
			s.Close()
			return nil, err
		}
		hooks.Apply(s.vm)
	}
	for _, name := range cfg.NotFoundClasses {
		s.vm.AddNotFoundClass(name)
	}

	s.env = jni.NewEnv(s.vm, emu)
	if err := s.env.Install(); err != nil {
		s.Close()
		return nil, fmt.Errorf("install JNI: %w", err)
	}

	stubs.DefaultRegistry.OnCall = func(category, name, detail string) {
		s.record(trace.NewEvent(0, trace.Tag(category), name, detail))
	}
	return s, nil
}

// record attributes an event to the native caller when there is one.
func (s *session) record(e *trace.Event) {
	lr := s.emu.LR()
	if m := s.emu.ModuleAt(lr); m != nil {
		e.PC = lr
		e.Annotate("from", fmt.Sprintf("%s+0x%x", m.Name(), lr-m.Base()))
	}
	s.events.Add(e)
}

func (s *session) load() (*dvm.DalvikModule, error) {
	if s.cfg.LibraryPath != "" {
		return s.vm.LoadLibraryFile(s.cfg.LibraryPath, s.cfg.ForceInit)
	}
	return s.vm.LoadLibrary(s.cfg.Library, s.cfg.ForceInit)
}

func (s *session) Close() {
	stubs.DefaultRegistry.OnCall = nil
	if s.pkg != nil {
		s.pkg.Close()
	}
	s.emu.Close()
}

func runBridge(cmd *cobra.Command, args []string, refsOnly bool) error {
	cfg, err := loadConfig(args)
	if err != nil {
		if len(args) == 0 && flags.config == "" {
			return cmd.Help()
		}
		return err
	}
	glog.Init(cfg.Verbose)

	s, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	var (
		out   *outputWriter
		count int
	)
	if flags.insn > 0 && !quiet && !refsOnly {
		out = newOutputWriter()
		syms := newSymbolizer(s.emu)
		s.emu.HookCode(func(e *emulator.Emulator, addr uint64, size uint32) {
			count++
			if count > flags.insn {
				return
			}
			code, _ := e.MemRead(addr, 4)
			dis := disasm(code)
			out.Write(formatLine(addr, code, dis, syms.at(addr), s.events.Drain()))
			if isBlockEnd(dis) {
				out.Write("")
			}
		})
	}

	if !quiet && !refsOnly {
		printHeader(cfg, s)
	}

	var runErr error
	module, err := s.load()
	if err != nil {
		runErr = err
	} else {
		if err := module.CallJNIOnLoad(); err != nil {
			runErr = err
		}
		for _, sym := range cfg.Call {
			if runErr != nil {
				break
			}
			ret, err := module.CallFunction(sym, s.env.GetJNIEnv(), 0)
			if err != nil {
				runErr = err
				break
			}
			s.events.Add(trace.NewEvent(0, trace.JniCall, sym, fmt.Sprintf("ret=0x%x", ret)))
		}
	}
	if out != nil {
		out.Close()
	}

	switch {
	case refsOnly:
		printRefs(s.vm)
	case quiet:
		printQuietSummary(cfg, s, count, runErr)
	default:
		// Events past the listing, or all of them without one.
		for _, e := range s.events.Drain() {
			fmt.Println(colorize.Event(e))
		}
		printNatives(s.env.Natives())
		printRefs(s.vm)
		printStats(count, s, runErr)
	}
	return runErr
}

// symbolizer names exported addresses of loaded modules.
type symbolizer struct {
	emu      *emulator.Emulator
	byModule map[*emulator.Module]map[uint64]string
}

func newSymbolizer(emu *emulator.Emulator) *symbolizer {
	return &symbolizer{emu: emu, byModule: make(map[*emulator.Module]map[uint64]string)}
}

func (s *symbolizer) at(addr uint64) string {
	m := s.emu.ModuleAt(addr)
	if m == nil {
		return ""
	}
	syms, ok := s.byModule[m]
	if !ok {
		syms = make(map[uint64]string)
		for name, a := range m.Exports() {
			if existing, ok := syms[a]; !ok || len(name) < len(existing) {
				syms[a] = name
			}
		}
		s.byModule[m] = syms
	}
	return syms[addr]
}

type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter() *outputWriter {
	w := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(os.Stdout, 64*1024),
	}
	go w.run()
	return w
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

// Write drops the line when the writer falls behind.
func (w *outputWriter) Write(line string) {
	select {
	case w.ch <- line:
	default:
	}
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

func disasm(code []byte) string {
	if len(code) < 4 {
		return "???"
	}
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", uint32(code[0])|uint32(code[1])<<8|uint32(code[2])<<16|uint32(code[3])<<24)
	}
	return inst.String()
}

func instructionTags(dis string) []string {
	fields := strings.Fields(strings.ToUpper(dis))
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "BL":
		return []string{"#call"}
	case "BLR":
		return []string{"#call", "#br"}
	case "BR":
		return []string{"#br"}
	case "RET":
		return []string{"#ret"}
	case "SVC":
		return []string{"#syscall"}
	}
	return nil
}

func isBlockEnd(dis string) bool {
	fields := strings.Fields(strings.ToUpper(dis))
	if len(fields) == 0 {
		return false
	}
	op := fields[0]
	switch {
	case op == "RET", op == "BR", op == "B", op == "ERET":
		return true
	case strings.HasPrefix(op, "B."):
		return true
	case strings.HasPrefix(op, "CBZ"), strings.HasPrefix(op, "CBNZ"),
		strings.HasPrefix(op, "TBZ"), strings.HasPrefix(op, "TBNZ"):
		return true
	}
	return false
}

// formatLine renders one listing line with the bridge events the
// instruction triggered as a trailing comment.
func formatLine(addr uint64, code []byte, dis string, funcName string, events []*trace.Event) string {
	var b strings.Builder
	b.Grow(256)

	visibleLen := 0
	b.WriteString(colorize.Address(addr))
	b.WriteString("  ")
	visibleLen += 8 + 2

	if len(code) >= 4 {
		b.WriteString(colorize.Detail(fmt.Sprintf("%02X%02X%02X%02X", code[3], code[2], code[1], code[0])))
		b.WriteString("  ")
		visibleLen += 8 + 2
	}

	b.WriteString(colorize.Instruction(dis))
	visibleLen += len(dis)

	const insnCol = 50
	for visibleLen < insnCol {
		b.WriteByte(' ')
		visibleLen++
	}

	tags := instructionTags(dis)
	var names []string
	for _, e := range events {
		tags = append(tags, e.Tags.Strings()...)
		name := e.Name
		if e.Detail != "" {
			name += " " + e.Detail
		}
		names = append(names, name)
	}
	if len(tags) > 0 || len(names) > 0 {
		comment := "; " + strings.TrimSpace(strings.Join(tags, " ")+" "+strings.Join(names, ", "))
		b.WriteString(colorize.Comment(comment))
		b.WriteString("  ")
	}
	if funcName != "" {
		b.WriteString(colorize.FuncName(funcName))
	}
	return b.String()
}

func printHeader(cfg *config.Config, s *session) {
	target := cfg.LibraryPath
	if target == "" {
		target = dvm.LibraryFileName(cfg.Library)
	}
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, target); err == nil && !strings.HasPrefix(rel, "..") {
			target = rel
		}
	}

	fmt.Println()
	fmt.Printf("%s dalvik ─ JNI bridge\n", colorize.Header("▶"))
	fmt.Println(colorize.Field("Library:", target))
	if s.pkg != nil {
		fmt.Println(colorize.Field("Package:", s.vm.PackageName()))
	}
	fmt.Println(colorize.Field("VM:", s.vm.ID()))
	fmt.Println(colorize.Field("JavaVM:", colorize.Address(s.env.GetJavaVM())))
	fmt.Println(colorize.Field("JNIEnv:", colorize.Address(s.env.GetJNIEnv())))
	fmt.Println(colorize.Field("Stubs:", stubs.DefaultRegistry.Count()))
	fmt.Println()
}

func printNatives(natives []jni.Native) {
	if len(natives) == 0 {
		return
	}
	fmt.Println()
	fmt.Println(colorize.Section("Natives"))
	for _, n := range natives {
		fmt.Printf("  %s %s.%s%s\n",
			colorize.Address(n.Fn),
			colorize.ClassName(n.Class),
			colorize.FuncName(n.Name),
			colorize.Detail(n.Signature))
	}
}

func printRefs(vm *dvm.VM) {
	info := vm.MemoryInfo()
	fmt.Println()
	fmt.Println(colorize.Section("References"))
	fmt.Println(colorize.Field("Globals:", info.Globals))
	fmt.Println(colorize.Field("Weak:", info.WeakGlobals))
	fmt.Println(colorize.Field("Locals:", info.Locals))
	fmt.Println(colorize.Field("Classes:", info.Classes))
	fmt.Println(colorize.Field("Non-class:", info.GlobalsNoClass))
	if verbose {
		fmt.Println()
		vm.PrintMemoryInfo(os.Stdout)
	}
}

func printStats(count int, s *session, err error) {
	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	if count > 0 {
		fmt.Printf("%s insn  ", colorize.FuncName(fmt.Sprint(count)))
	}
	fmt.Printf("%s events  %s natives",
		colorize.FuncName(fmt.Sprint(s.events.Total())),
		colorize.FuncName(fmt.Sprint(len(s.env.Natives()))))
	if err != nil {
		if errors.Is(err, emulator.ErrStopped) {
			fmt.Printf("  %s", colorize.Detail(err.Error()))
		} else {
			fmt.Printf("  %s", colorize.Error(err.Error()))
		}
	}
	fmt.Println()
}

func printQuietSummary(cfg *config.Config, s *session, count int, err error) {
	name := filepath.Base(cfg.LibraryPath)
	if cfg.LibraryPath == "" {
		name = dvm.LibraryFileName(cfg.Library)
	}
	fmt.Println(colorize.FuncName(name))
	for _, n := range s.env.Natives() {
		fmt.Println(n)
	}
	info := s.vm.MemoryInfo()
	fmt.Printf("%d %s  %d %s  %d %s", s.events.Total(), colorize.Detail("events"),
		info.Globals, colorize.Detail("globals"), info.Classes, colorize.Detail("classes"))
	if count > 0 {
		fmt.Printf("  %d %s", count, colorize.Detail("insn"))
	}
	if err != nil {
		fmt.Printf("  %s", colorize.Error(err.Error()))
	}
	fmt.Println()
}

func showInfo(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("file not found: %s", path)
	}
	glog.Init(verbose)
	if strings.HasSuffix(path, ".so") {
		return showLibraryInfo(path)
	}
	return showPackageInfo(path)
}

func showPackageInfo(path string) error {
	a, err := apk.Open(path)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Println(colorize.Section(filepath.Base(path)))
	fmt.Println(colorize.Field("Package:", a.PackageName()))
	fmt.Println(colorize.Field("Version:", fmt.Sprintf("%s (%d)", a.VersionName(), a.VersionCode())))
	fmt.Println(colorize.Field("Signatures:", len(a.Signatures())))

	split := dvm.SplitPackageName(true)
	present := "absent"
	if a.Split(split) != nil {
		present = "present"
	}
	fmt.Println(colorize.Field("Split:", split+" "+present))

	libs := a.NativeLibraries()
	fmt.Println()
	fmt.Println(colorize.Section("Native libraries"))
	if len(libs) == 0 {
		fmt.Println(colorize.Detail("  none"))
	}
	for _, abi := range apk.ABIs {
		if names, ok := libs[abi]; ok {
			fmt.Println(colorize.Field(abi+":", strings.Join(names, " ")))
		}
	}
	if verbose && a.ManifestXML() != "" {
		fmt.Println()
		fmt.Println(colorize.Section("AndroidManifest.xml"))
		fmt.Println(a.ManifestXML())
	}
	return nil
}

func showLibraryInfo(path string) error {
	emu, err := emulator.New(emulator.WithLogger(glog.L), emulator.WithImportBinder(stubs.DefaultRegistry))
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	defer emu.Close()

	m, err := emu.LoadLibraryFile(path, false)
	if err != nil {
		return fmt.Errorf("load library: %w", err)
	}

	fmt.Println(colorize.Section(m.Name()))
	fmt.Println(colorize.Field("Base:", colorize.Address(m.Base())))
	fmt.Println(colorize.Field("End:", colorize.Address(m.End())))
	fmt.Println(colorize.Field("Entry:", colorize.Address(m.Entry())))
	fmt.Println(colorize.Field("Needed:", strings.Join(m.Needed(), " ")))
	fmt.Println(colorize.Field("Exports:", len(m.Exports())))
	fmt.Println(colorize.Field("Imports:", len(m.Imports())))
	fmt.Println(colorize.Field("Init:", len(m.InitFunctions())))
	for _, seg := range m.Segments() {
		fmt.Printf("  %s-%s %s\n", colorize.Address(seg.VAddr), colorize.Address(seg.VAddr+seg.MemSz), seg.Perms())
	}

	jniSyms := m.FindSymbolsBySubstring("Java_")
	if addr, ok := m.FindSymbol("JNI_OnLoad"); ok {
		jniSyms["JNI_OnLoad"] = addr
	}
	if len(jniSyms) == 0 {
		return nil
	}
	names := make([]string, 0, len(jniSyms))
	for name := range jniSyms {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println()
	fmt.Println(colorize.Section("JNI entry points"))
	for _, name := range names {
		fmt.Printf("  %s %s\n", colorize.Address(jniSyms[name]), colorize.FuncName(name))
	}
	return nil
}
