package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/aqlbuild/internal/builder"
	"github.com/vk/aqlbuild/internal/builtins"
	"github.com/vk/aqlbuild/internal/datafile"
	"github.com/vk/aqlbuild/internal/entity"
	"github.com/vk/aqlbuild/internal/entitystore"
	"github.com/vk/aqlbuild/internal/errkind"
	"github.com/vk/aqlbuild/internal/events"
	"github.com/vk/aqlbuild/internal/node"
)

// recorder tracks builder invocations across workers.
type recorder struct {
	mu      sync.Mutex
	calls   map[string]int
	sources map[string][][]string
	running int
	peak    int
}

func newRecorder() *recorder {
	return &recorder{calls: map[string]int{}, sources: map[string][][]string{}}
}

func (r *recorder) enter(key string, sources []entity.Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[key]++
	r.sources[key] = append(r.sources[key], entity.Names(sources))
	r.running++
	if r.running > r.peak {
		r.peak = r.running
	}
}

func (r *recorder) leave() {
	r.mu.Lock()
	r.running--
	r.mu.Unlock()
}

func (r *recorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

// catBuilder concatenates its file sources into out.
type catBuilder struct {
	builder.Base
	out   string
	rec   *recorder
	delay time.Duration
	fail  bool
	hook  func()
}

func newCat(t *testing.T, rec *recorder, out, version string) *catBuilder {
	t.Helper()
	base, err := builder.NewBase("cat", map[string]any{"out": out, "version": version}, map[string]any{"out": out})
	require.NoError(t, err)
	return &catBuilder{Base: base, out: out, rec: rec}
}

func (b *catBuilder) TargetEntities([]entity.Entity) []entity.Entity {
	return []entity.Entity{entity.NewFileChecksum(b.out)}
}

func (b *catBuilder) TraceName([]entity.Entity, bool) string { return "cat " + filepath.Base(b.out) }

func (b *catBuilder) Build(_ context.Context, bc *node.BuildContext) (node.Status, error) {
	b.rec.enter(b.out, bc.Sources)
	defer b.rec.leave()
	time.Sleep(b.delay)
	if b.hook != nil {
		b.hook()
	}
	if b.fail {
		return node.StatusBuilt, errors.New("cat refused")
	}
	var buf bytes.Buffer
	for _, s := range bc.Sources {
		data, err := os.ReadFile(entity.Path(s))
		if err != nil {
			return node.StatusBuilt, err
		}
		buf.Write(data)
	}
	if err := os.WriteFile(b.out, buf.Bytes(), 0o644); err != nil {
		return node.StatusBuilt, err
	}
	entity.ForgetFile(b.out)
	return node.StatusBuilt, bc.SetTargets(b.TargetEntities(nil), nil, nil)
}

// headerBuilder publishes an existing header as its own target.
type headerBuilder struct{ builder.Base }

func newHeader(t *testing.T) *headerBuilder {
	t.Helper()
	base, err := builder.NewBase("header", nil, nil)
	require.NoError(t, err)
	return &headerBuilder{Base: base}
}

func (b *headerBuilder) TargetEntities(sources []entity.Entity) []entity.Entity { return sources }

func (b *headerBuilder) Build(_ context.Context, bc *node.BuildContext) (node.Status, error) {
	targets := make([]entity.Entity, len(bc.Sources))
	for i, s := range bc.Sources {
		targets[i] = entity.NewFileChecksum(entity.Path(s))
	}
	return node.StatusBuilt, bc.SetTargets(targets, nil, nil)
}

// scanBuilder compiles a source file after discovering the headers it
// includes. Missing headers are added as prerequisites.
type scanBuilder struct {
	catBuilder
	header *headerBuilder
}

func (b *scanBuilder) Build(ctx context.Context, bc *node.BuildContext) (node.Status, error) {
	have := map[string]bool{}
	for _, s := range bc.Sources {
		have[entity.Path(s)] = true
	}

	var missing []*node.Node
	f, err := os.Open(entity.Path(bc.Sources[0]))
	if err != nil {
		return node.StatusBuilt, err
	}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "#include \"") {
			continue
		}
		name := strings.Trim(strings.TrimPrefix(line, "#include"), " \"")
		path := filepath.Join(filepath.Dir(entity.Path(bc.Sources[0])), name)
		if !have[path] {
			missing = append(missing, node.New(b.header, entity.NewFileChecksum(path)))
		}
	}
	f.Close()

	if len(missing) > 0 {
		b.rec.enter(b.out, bc.Sources)
		b.rec.leave()
		bc.AddDeps(missing...)
		return node.StatusRebuild, nil
	}
	return b.catBuilder.Build(ctx, bc)
}

// loopBuilder discovers a new prerequisite on every call.
type loopBuilder struct {
	catBuilder
	dir string
}

func (b *loopBuilder) Build(_ context.Context, bc *node.BuildContext) (node.Status, error) {
	b.rec.enter(b.out, bc.Sources)
	defer b.rec.leave()
	w, err := builtins.NewWriteFile(filepath.Join(b.dir, fmt.Sprintf("gen%d.txt", b.rec.count(b.out))), "x")
	if err != nil {
		return node.StatusBuilt, err
	}
	bc.AddDeps(node.New(w))
	return node.StatusRebuild, nil
}

// untargetedBuilder writes out without announcing it as a target up front.
type untargetedBuilder struct {
	builder.Base
	out string
}

func newUntargeted(t *testing.T, out, id string) *untargetedBuilder {
	t.Helper()
	base, err := builder.NewBase("untargeted", map[string]any{"out": out, "id": id}, map[string]any{"id": id})
	require.NoError(t, err)
	return &untargetedBuilder{Base: base, out: out}
}

func (b *untargetedBuilder) Build(_ context.Context, bc *node.BuildContext) (node.Status, error) {
	if err := os.WriteFile(b.out, []byte("untargeted"), 0o644); err != nil {
		return node.StatusBuilt, err
	}
	entity.ForgetFile(b.out)
	return node.StatusBuilt, bc.SetTargets([]entity.Entity{entity.NewFileChecksum(b.out)}, nil, nil)
}

func writeFile(t *testing.T, path, content string) entity.Entity {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	entity.ForgetFile(path)
	return entity.NewFileChecksum(path)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func testOptions(workers int) Options {
	return Options{
		Workers: workers,
		Store: entitystore.Options{Options: datafile.Options{
			LockTimeout:  time.Second,
			LockInterval: 10 * time.Millisecond,
		}},
	}
}

func openManager(t *testing.T, storePath string, opts Options) *BuildManager {
	t.Helper()
	m, err := New(context.Background(), storePath, opts)
	require.NoError(t, err)
	return m
}

// buildOnce runs one manager over nodes and closes it, like one process.
func buildOnce(t *testing.T, storePath string, opts Options, nodes ...*node.Node) (*BuildReport, error) {
	t.Helper()
	m := openManager(t, storePath, opts)
	defer func() { require.NoError(t, m.Close()) }()
	require.NoError(t, m.Add(nodes...))
	return m.Build(context.Background())
}

func TestCopyFileFreshness(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, ".aql.db")
	content := strings.Repeat("0123456789", 10)
	src := filepath.Join(dir, "src.dat")
	writeFile(t, src, content)

	graph := func() *node.Node {
		cp, err := builtins.NewCopyFile(filepath.Join(dir, "out"))
		require.NoError(t, err)
		return node.New(cp, entity.NewFileChecksum(src))
	}
	out := filepath.Join(dir, "out", "src.dat")

	report, err := buildOnce(t, store, testOptions(2), graph())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Invocations)
	assert.Equal(t, content, readFile(t, out))

	report, err = buildOnce(t, store, testOptions(2), graph())
	require.NoError(t, err)
	assert.Zero(t, report.Invocations)
	assert.Len(t, report.Actual, 1)

	changed := "X" + content[1:]
	writeFile(t, src, changed)
	report, err = buildOnce(t, store, testOptions(2), graph())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Invocations)
	assert.Equal(t, changed, readFile(t, out))
}

func TestChainOfThree(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, ".aql.db")
	src := filepath.Join(dir, "a.src")
	writeFile(t, src, "a")
	rec := newRecorder()

	outA, outB, outC := filepath.Join(dir, "a.out"), filepath.Join(dir, "b.out"), filepath.Join(dir, "c.out")
	graph := func(cVersion string) []*node.Node {
		a := node.New(newCat(t, rec, outA, "1"), entity.NewFileChecksum(src))
		b := node.New(newCat(t, rec, outB, "1")).AddSourceNodes(a)
		c := node.New(newCat(t, rec, outC, cVersion)).AddSourceNodes(b)
		return []*node.Node{c}
	}

	report, err := buildOnce(t, store, testOptions(4), graph("1")...)
	require.NoError(t, err)
	assert.Len(t, report.Built, 3)
	assert.Equal(t, "a", readFile(t, outC))

	t.Run("second build is a no-op", func(t *testing.T) {
		report, err := buildOnce(t, store, testOptions(4), graph("1")...)
		require.NoError(t, err)
		assert.Zero(t, report.Invocations)
		assert.Len(t, report.Actual, 3)
	})

	t.Run("source change propagates", func(t *testing.T) {
		writeFile(t, src, "aa")
		report, err := buildOnce(t, store, testOptions(4), graph("1")...)
		require.NoError(t, err)
		assert.Len(t, report.Built, 3)
		assert.Equal(t, "aa", readFile(t, outC))
	})

	t.Run("signature change of the last node", func(t *testing.T) {
		before := rec.count(outA) + rec.count(outB)
		report, err := buildOnce(t, store, testOptions(4), graph("2")...)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Invocations)
		assert.Len(t, report.Actual, 2)
		assert.Equal(t, before, rec.count(outA)+rec.count(outB))
		assert.Equal(t, 3, rec.count(outC))
	})
}

func TestDuplicateTargets(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	out := filepath.Join(dir, "out.o")

	a := node.New(newCat(t, rec, out, "1"), writeFile(t, filepath.Join(dir, "a.c"), "a"))
	cmd, err := builtins.NewCommand([]string{"true"}, []string{"out.o"}, nil, dir)
	require.NoError(t, err)
	b := node.New(cmd)

	m := openManager(t, filepath.Join(dir, ".aql.db"), testOptions(1))
	defer m.Close()
	err = m.Add(a, b)
	require.ErrorIs(t, err, errkind.ErrDuplicateTargets)
	assert.Contains(t, err.Error(), out)
	assert.Zero(t, rec.count(out))
}

func TestDuplicateProducedTargets(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "shared.out")

	m := openManager(t, filepath.Join(dir, ".aql.db"), testOptions(1))
	defer m.Close()
	require.NoError(t, m.Add(node.New(newUntargeted(t, out, "a")), node.New(newUntargeted(t, out, "b"))))

	report, err := m.Build(context.Background())
	require.ErrorIs(t, err, errkind.ErrDuplicateTargets)
	assert.Contains(t, err.Error(), out)
	assert.Len(t, report.Built, 1)
	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed[0].Err, errkind.ErrDuplicateTargets)
}

func TestProducedTargetClaimedByPrediction(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	out := filepath.Join(dir, "a.o")
	predicted := node.New(newCat(t, rec, out, "1"), writeFile(t, filepath.Join(dir, "a.c"), "a"))
	untargeted := node.New(newUntargeted(t, out, "x"))

	m := openManager(t, filepath.Join(dir, ".aql.db"), testOptions(1))
	defer m.Close()
	require.NoError(t, m.Add(predicted, untargeted), "nothing collides before the build")

	_, err := m.Build(context.Background())
	require.ErrorIs(t, err, errkind.ErrDuplicateTargets)
}

func TestCycleDetection(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	a := node.New(newCat(t, rec, filepath.Join(dir, "a"), "1"))
	b := node.New(newCat(t, rec, filepath.Join(dir, "b"), "1"))
	a.DependsOnNodes(b)
	b.DependsOnNodes(a)

	m := openManager(t, filepath.Join(dir, ".aql.db"), testOptions(1))
	defer m.Close()
	err := m.Add(a)
	require.ErrorIs(t, err, errkind.ErrCyclicDependency)
	assert.True(t, errkind.Fatal(err))
}

func TestSignatureMismatch(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	src := writeFile(t, filepath.Join(dir, "a.c"), "a")
	out := filepath.Join(dir, "a.o")

	m := openManager(t, filepath.Join(dir, ".aql.db"), testOptions(1))
	defer m.Close()
	require.NoError(t, m.Add(node.New(newCat(t, rec, out, "1"), src)))
	err := m.Add(node.New(newCat(t, rec, out, "2"), src))
	assert.ErrorIs(t, err, errkind.ErrNodeSignatureMismatch)
}

func TestSameNodeTwice(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	src := writeFile(t, filepath.Join(dir, "a.c"), "twin")
	out := filepath.Join(dir, "a.o")

	a1 := node.New(newCat(t, rec, out, "1"), src)
	a2 := node.New(newCat(t, rec, out, "1"), src)
	final := filepath.Join(dir, "final")
	b := node.New(newCat(t, rec, final, "1")).AddSourceNodes(a2)

	m := openManager(t, filepath.Join(dir, ".aql.db"), testOptions(2))
	defer m.Close()
	require.NoError(t, m.Add(a1, b))
	assert.Equal(t, 2, m.Len())

	_, err := m.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rec.count(out))
	assert.Equal(t, "twin", readFile(t, final))
}

func TestRebuildWithDiscovery(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, ".aql.db")
	mainCpp := filepath.Join(dir, "main.cpp")
	header := filepath.Join(dir, "a.h")
	other := filepath.Join(dir, "other.txt")
	writeFile(t, mainCpp, "#include \"a.h\"\nint main() {}\n")
	writeFile(t, header, "#define A 1\n")
	writeFile(t, other, "unrelated")
	rec := newRecorder()
	out := filepath.Join(dir, "main.o")
	copyDir := filepath.Join(dir, "copy")

	var scanNode *node.Node
	graph := func() []*node.Node {
		scan := &scanBuilder{catBuilder: *newCat(t, rec, out, "1"), header: newHeader(t)}
		scanNode = node.New(scan, entity.NewFileChecksum(mainCpp))
		cp, err := builtins.NewCopyFile(copyDir)
		require.NoError(t, err)
		return []*node.Node{scanNode, node.New(cp, entity.NewFileChecksum(other))}
	}

	report, err := buildOnce(t, store, testOptions(2), graph()...)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.count(out), "scan runs once, asks for a rebuild, then runs again")
	require.Len(t, rec.sources[out], 2)
	assert.Equal(t, []string{mainCpp}, rec.sources[out][0])
	assert.Equal(t, []string{mainCpp, header}, rec.sources[out][1])
	assert.Equal(t, []string{header}, entity.Names(scanNode.ImplicitDeps()))
	assert.Equal(t, 4, report.Invocations)
	assert.Contains(t, readFile(t, out), "#define A 1")

	report, err = buildOnce(t, store, testOptions(2), graph()...)
	require.NoError(t, err)
	assert.Zero(t, report.Invocations)
	assert.Len(t, report.Actual, 2)

	writeFile(t, header, "#define A 2\n")
	report, err = buildOnce(t, store, testOptions(2), graph()...)
	require.NoError(t, err)
	assert.Equal(t, 4, rec.count(out))
	assert.Equal(t, 3, report.Invocations, "scan twice and the header, the copy stays actual")
	assert.Len(t, report.Actual, 1)
	assert.Contains(t, readFile(t, out), "#define A 2")
}

func TestRebuildDiscoversFinishedNode(t *testing.T) {
	dir := t.TempDir()
	mainCpp := filepath.Join(dir, "main.cpp")
	header := filepath.Join(dir, "a.h")
	writeFile(t, mainCpp, "#include \"a.h\"\nint main() {}\n")
	writeFile(t, header, "#define A 1\n")
	rec := newRecorder()
	out := filepath.Join(dir, "main.o")

	explicit := node.New(newHeader(t), entity.NewFileChecksum(header))
	scan := node.New(&scanBuilder{catBuilder: *newCat(t, rec, out, "1"), header: newHeader(t)}, entity.NewFileChecksum(mainCpp))

	m := openManager(t, filepath.Join(dir, ".aql.db"), testOptions(1))
	defer m.Close()
	require.NoError(t, m.Add(explicit, scan))

	report, err := m.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rec.count(out))
	require.Len(t, rec.sources[out], 2)
	assert.Equal(t, []string{mainCpp, header}, rec.sources[out][1])
	assert.Equal(t, []string{header}, entity.Names(scan.ImplicitDeps()))
	assert.Equal(t, 3, report.Invocations)
	assert.Contains(t, readFile(t, out), "#define A 1")
}

func TestRebuildLoop(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	out := filepath.Join(dir, "loop.out")
	loop := &loopBuilder{catBuilder: *newCat(t, rec, out, "1"), dir: dir}

	opts := testOptions(2)
	report, err := buildOnce(t, filepath.Join(dir, ".aql.db"), opts, node.New(loop))
	require.ErrorIs(t, err, errkind.ErrRebuildLoop)
	assert.Equal(t, DefaultMaxRebuilds+1, rec.count(out))
	require.Len(t, report.Failed, 1)
	assert.Len(t, report.Built, DefaultMaxRebuilds, "prerequisites of accepted rebuilds were built")
}

func TestCorruptStoreRecovery(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, ".aql.db")
	rec := newRecorder()
	src := filepath.Join(dir, "a.src")
	writeFile(t, src, "a")
	out := filepath.Join(dir, "a.out")
	graph := func() *node.Node { return node.New(newCat(t, rec, out, "1"), entity.NewFileChecksum(src)) }

	_, err := buildOnce(t, store, testOptions(1), graph())
	require.NoError(t, err)
	require.NoError(t, os.Truncate(store, 3))

	_, err = New(context.Background(), store, testOptions(1))
	require.ErrorIs(t, err, errkind.ErrCorruptStore)

	opts := testOptions(1)
	opts.Store.Force = true
	m := openManager(t, store, opts)
	assert.Zero(t, m.Store().Len())
	require.NoError(t, m.Add(graph()))
	report, err := m.Build(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Built, 1)
	require.NoError(t, m.Store().SelfCheck())
	require.NoError(t, m.Close())
}

func TestParallelismBound(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	var nodes []*node.Node
	for i := 0; i < 8; i++ {
		b := newCat(t, rec, filepath.Join(dir, fmt.Sprintf("%d.out", i)), "1")
		b.delay = 20 * time.Millisecond
		nodes = append(nodes, node.New(b))
	}

	m := openManager(t, filepath.Join(dir, ".aql.db"), testOptions(2))
	defer m.Close()
	require.NoError(t, m.Add(nodes...))
	report, err := m.Build(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Built, 8)
	assert.LessOrEqual(t, rec.peak, 2)
	assert.LessOrEqual(t, m.pool.MaxConcurrency(), 2)
}

func TestFailures(t *testing.T) {
	t.Run("keep going", func(t *testing.T) {
		dir := t.TempDir()
		rec := newRecorder()
		bad := newCat(t, rec, filepath.Join(dir, "bad"), "1")
		bad.fail = true
		badNode := node.New(bad)
		good := node.New(newCat(t, rec, filepath.Join(dir, "good"), "1"))
		after := node.New(newCat(t, rec, filepath.Join(dir, "after"), "1")).AddSourceNodes(badNode)

		report, err := buildOnce(t, filepath.Join(dir, ".aql.db"), testOptions(1), badNode, good, after)
		require.ErrorIs(t, err, errkind.ErrBuilderFailed)
		assert.False(t, errkind.Fatal(err))
		require.Len(t, report.Failed, 1)
		assert.Equal(t, badNode.TraceName(true), report.Failed[0].Node)
		assert.Equal(t, []string{good.TraceName(true)}, report.Built)
		assert.Equal(t, []string{after.TraceName(true)}, report.Skipped)
	})

	t.Run("stop on fail", func(t *testing.T) {
		dir := t.TempDir()
		rec := newRecorder()
		bad := newCat(t, rec, filepath.Join(dir, "bad"), "1")
		bad.fail = true
		nodes := []*node.Node{node.New(bad)}
		for i := 0; i < 3; i++ {
			nodes = append(nodes, node.New(newCat(t, rec, filepath.Join(dir, fmt.Sprint(i)), "1")))
		}

		opts := testOptions(1)
		opts.StopOnFail = true
		report, err := buildOnce(t, filepath.Join(dir, ".aql.db"), opts, nodes...)
		require.Error(t, err)
		assert.Len(t, report.Failed, 1)
		assert.Empty(t, report.Built)
		assert.Len(t, report.Skipped, 3)
	})

	t.Run("stop on fail then build again", func(t *testing.T) {
		dir := t.TempDir()
		rec := newRecorder()
		bad := newCat(t, rec, filepath.Join(dir, "bad"), "1")
		bad.fail = true
		badNode := node.New(bad)
		nodes := []*node.Node{badNode}
		for i := 0; i < 2; i++ {
			nodes = append(nodes, node.New(newCat(t, rec, filepath.Join(dir, fmt.Sprint(i)), "1")))
		}

		opts := testOptions(1)
		opts.StopOnFail = true
		m := openManager(t, filepath.Join(dir, ".aql.db"), opts)
		defer m.Close()
		require.NoError(t, m.Add(nodes...))

		_, err := m.Build(context.Background())
		require.ErrorIs(t, err, errkind.ErrBuilderFailed)

		bad.fail = false
		report, err := m.Build(context.Background())
		require.NoError(t, err)
		assert.Contains(t, report.Built, badNode.TraceName(true))
		assert.Len(t, report.Built, 3)
		assert.Empty(t, report.Skipped)
	})

	t.Run("command output is reported", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("uses a POSIX shell")
		}
		dir := t.TempDir()
		cmd, err := builtins.NewCommand([]string{"sh", "-c", "echo partial; echo boom >&2; exit 1"}, []string{"x"}, nil, dir)
		require.NoError(t, err)

		report, err := buildOnce(t, filepath.Join(dir, ".aql.db"), testOptions(1), node.New(cmd))
		require.ErrorIs(t, err, errkind.ErrBuilderFailed)
		require.Len(t, report.Failed, 1)
		f := report.Failed[0]
		assert.Equal(t, "sh -c \"echo partial; echo boom >&2; exit 1\"", f.Command)
		assert.Equal(t, "partial\n", f.Stdout)
		assert.Equal(t, "boom\n", f.Stderr)
		assert.Contains(t, f.String(), "stderr: boom")
	})
}

func TestStatusAndClear(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, ".aql.db")
	rec := newRecorder()
	src := filepath.Join(dir, "a.src")
	writeFile(t, src, "a")
	outA, outB := filepath.Join(dir, "a.out"), filepath.Join(dir, "b.out")
	graph := func() []*node.Node {
		a := node.New(newCat(t, rec, outA, "1"), entity.NewFileChecksum(src))
		return []*node.Node{node.New(newCat(t, rec, outB, "1")).AddSourceNodes(a)}
	}

	m := openManager(t, store, testOptions(2))
	defer m.Close()
	require.NoError(t, m.Add(graph()...))

	status, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Len(t, status.Outdated, 2)
	assert.Zero(t, m.Store().Len(), "status never writes")

	_, err = m.Build(context.Background())
	require.NoError(t, err)
	status, err = m.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.UpToDate())
	assert.Len(t, status.Actual, 2)

	writeFile(t, src, "changed")
	status, err = m.Status(context.Background())
	require.NoError(t, err)
	assert.Len(t, status.Outdated, 2, "the dependent of an outdated node is outdated too")

	cleared, err := m.Clear(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)
	assert.NoFileExists(t, outA)
	assert.NoFileExists(t, outB)
	assert.Zero(t, m.Store().Len())
	assert.Equal(t, 2, rec.count(outA)+rec.count(outB))
}

func TestEvents(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	src := writeFile(t, filepath.Join(dir, "a.src"), "a")

	m := openManager(t, filepath.Join(dir, ".aql.db"), testOptions(2))
	defer m.Close()

	var mu sync.Mutex
	var got []string
	m.RegisterEventHandler(events.LevelDebug, func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, fmt.Sprintf("%T", ev))
	})
	var infoOnly int
	m.RegisterEventHandler(events.LevelInfo, func(events.Event) {
		mu.Lock()
		infoOnly++
		mu.Unlock()
	})

	require.NoError(t, m.Add(node.New(newCat(t, rec, filepath.Join(dir, "a.out"), "1"), src)))
	_, err := m.Build(context.Background())
	require.NoError(t, err)
	_, err = m.Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"events.NodeOutdated", "events.NodeBuilding", "events.NodeBuilt", "events.NodeActual"}, got)
	assert.Equal(t, 1, infoOnly)
}

func TestSplitNodes(t *testing.T) {
	dir := t.TempDir()
	var sources []entity.Entity
	for _, name := range []string{"a", "b", "c"} {
		sources = append(sources, writeFile(t, filepath.Join(dir, "src", name), name))
	}
	cp, err := builtins.NewCopyFile(filepath.Join(dir, "out"))
	require.NoError(t, err)
	parent := node.New(cp, sources...)
	rec := newRecorder()
	final := filepath.Join(dir, "all")
	joined := node.New(newCat(t, rec, final, "1")).AddSourceNodes(parent)

	report, err := buildOnce(t, filepath.Join(dir, ".aql.db"), testOptions(3), joined)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Invocations, "three copies and the join")
	require.Len(t, parent.SubNodes(), 3)
	assert.Equal(t, "abc", readFile(t, final))
}

func TestCancelledContext(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	m := openManager(t, filepath.Join(dir, ".aql.db"), testOptions(1))
	defer m.Close()
	require.NoError(t, m.Add(node.New(newCat(t, rec, filepath.Join(dir, "x"), "1"))))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := m.Build(ctx)
	require.ErrorIs(t, err, errkind.ErrCancelled)
	assert.Len(t, report.Skipped, 1)

	t.Run("queued tasks are cancelled", func(t *testing.T) {
		dir := t.TempDir()
		rec := newRecorder()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var nodes []*node.Node
		for i := 0; i < 3; i++ {
			b := newCat(t, rec, filepath.Join(dir, fmt.Sprint(i)), "1")
			b.hook = cancel
			nodes = append(nodes, node.New(b))
		}
		m := openManager(t, filepath.Join(dir, ".aql.db"), testOptions(1))
		defer m.Close()
		require.NoError(t, m.Add(nodes...))

		report, err := m.Build(ctx)
		require.ErrorIs(t, err, errkind.ErrCancelled)
		assert.Empty(t, report.Failed)
		assert.Len(t, report.Built, 1)
		assert.Len(t, report.Skipped, 2)
		assert.Equal(t, 1, report.Invocations)
	})
}
