package interpreter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyash-core/application/parser"
	nyasherrors "nyash-core/domain/errors"
	"nyash-core/domain/ports"
	"nyash-core/infrastructure/pluginloader"
)

// fakeManifestStore resolves exactly one plugin Box type, for tests that
// exercise the manifest-driven construction/dispatch path without a real
// C-ABI `.so`.
type fakeManifestStore struct {
	boxType  string
	manifest ports.BoxManifest
}

func (f *fakeManifestStore) Lookup(boxType string) (ports.BoxManifest, bool) {
	if boxType != f.boxType {
		return ports.BoxManifest{}, false
	}
	return f.manifest, true
}

// recordingInvoker fakes ports.PluginInvoker, logging every call and
// returning a canned TLV-encoded I32 result so callers can assert both the
// dispatch (method_id, instance_id) and the decoded return value.
type recordingInvoker struct {
	calls []recordedCall
}

type recordedCall struct {
	typeID, methodID, instanceID uint32
}

func (r *recordingInvoker) Invoke(_ context.Context, typeID, methodID, instanceID uint32, _ []byte) (int32, []byte, error) {
	r.calls = append(r.calls, recordedCall{typeID, methodID, instanceID})
	payload := pluginloader.EncodeArgs([]pluginloader.TLV{{Tag: pluginloader.TagI32, Value: int32(42)}})
	return 0, payload, nil
}

func TestInterpreter_HelloPrintsGreeting(t *testing.T) {
	src := `static box Main {
		main() {
			print("Hello, Nyash!")
		}
	}`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	in := New(prog)
	output, _, err := in.Run(context.Background(), "main/0", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello, Nyash!"}, output)
}

func TestInterpreter_FieldVisibilityBlocksExternalPrivateAccess(t *testing.T) {
	src := `box User {
		private { age }
		birth(initialAge) { me.age = initialAge }
	}
	box Main {
		main() {
			local u = new User(30)
			print(u.age)
		}
	}
	local m = new Main()
	m.main()`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	in := New(prog)
	_, _, err = in.Run(context.Background(), "", nil)
	require.Error(t, err)
	var rte *nyasherrors.RuntimeTypeError
	require.ErrorAs(t, err, &rte)
}

func TestInterpreter_FieldVisibilityAllowsInternalAccess(t *testing.T) {
	src := `box User {
		private { age }
		birth(initialAge) { me.age = initialAge }
		getAge() { return me.age }
	}
	local u = new User(30)
	print(u.getAge())`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	in := New(prog)
	output, _, err := in.Run(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"30"}, output)
}

func TestInterpreter_CascadeFinalizationRunsInReverseFieldOrder(t *testing.T) {
	src := `box Child {
		fini() { print("C") }
	}
	box Parent {
		init { child }
		birth() { me.child = new Child() }
		fini() { print("P") }
	}
	local p = new Parent()`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	in := New(prog)
	output, _, err := in.Run(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"P", "C"}, output)
}

func TestInterpreter_WeakFieldDoesNotKeepCycleAlive(t *testing.T) {
	src := `box Child {
		init { weak parent }
		setParent(p) { me.parent = p }
		fini() { print("child-fini") }
	}
	box Parent {
		init { child }
		birth() {
			me.child = new Child()
			me.child.setParent(me)
		}
		fini() { print("parent-fini") }
	}
	local p = new Parent()`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	in := New(prog)
	output, _, err := in.Run(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"parent-fini", "child-fini"}, output)
}

func TestInterpreter_WeakReferenceResolvesToNullAfterFinalization(t *testing.T) {
	src := `box Target {
	}
	box StrongHolder {
		init { item }
		set(i) { me.item = i }
	}
	box WeakHolder {
		init { weak target }
		setTarget(t) { me.target = t }
		readTarget() { return me.target }
	}
	box Main {
		main() {
			local t = new Target()
			local sh = new StrongHolder()
			sh.set(t)
			local wh = new WeakHolder()
			wh.setTarget(t)
			sh.set(new Target())
			local after = wh.readTarget()
			if after == null { print("null-after") } else { print("not-null") }
		}
	}`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	in := New(prog)
	output, _, err := in.Run(context.Background(), "main/0", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"null-after"}, output)
}

func TestInterpreter_DelegationCallsParentMethod(t *testing.T) {
	src := `box Animal {
		speak() { return "..." }
	}
	box Dog from Animal {
		speak() {
			local base = from Animal.speak()
			return base
		}
	}
	local d = new Dog()
	print(d.speak())`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	in := New(prog)
	output, _, err := in.Run(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"..."}, output)
}

func TestInterpreter_TryCatchBindsThrownValue(t *testing.T) {
	src := `box Main {
		main() {
			try {
				throw "boom"
			} catch (e) {
				print(e)
			} finally {
				print("done")
			}
		}
	}`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	in := New(prog)
	output, _, err := in.Run(context.Background(), "main/0", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"boom", "done"}, output)
}

func TestInterpreter_UncaughtThrowPropagatesAsUserError(t *testing.T) {
	src := `box Main {
		main() {
			throw "uncaught"
		}
	}`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	in := New(prog)
	_, _, err = in.Run(context.Background(), "main/0", nil)
	require.Error(t, err)
	var ue *nyasherrors.UserError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "uncaught", ue.Value)
}

func TestInterpreter_NowaitAwaitRoundTrips(t *testing.T) {
	src := `box Main {
		slow() { return 42 }
		main() {
			local f = nowait me.slow()
			local v = await f
			print(v)
		}
	}`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	in := New(prog)
	output, _, err := in.Run(context.Background(), "main/0", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, output)
}

func TestInterpreter_AssignmentToUndeclaredVariableIsRuntimeError(t *testing.T) {
	src := `box Main {
		main() {
			x = 1
		}
	}`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	in := New(prog)
	_, _, err = in.Run(context.Background(), "main/0", nil)
	require.Error(t, err)
	var rte *nyasherrors.RuntimeTypeError
	require.ErrorAs(t, err, &rte)
}

func TestInterpreter_UseAfterFinalizationIsLifecycleError(t *testing.T) {
	src := `box Leaf {
	}
	box Holder {
		init { item }
		setItem(i) { me.item = i }
	}
	box Main {
		main() {
			local leaf = new Leaf()
			local h = new Holder()
			h.setItem(leaf)
			h.setItem(new Leaf())
			leaf.missing()
		}
	}`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	in := New(prog)
	_, _, err = in.Run(context.Background(), "main/0", nil)
	require.Error(t, err)
	var lce *nyasherrors.LifecycleError
	require.ErrorAs(t, err, &lce)
}

func TestInterpreter_ArithmeticAndComparison(t *testing.T) {
	src := `box Main {
		main() {
			local a = 3 + 4 * 2
			local b = a > 10
			print(a)
			print(b)
		}
	}`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	in := New(prog)
	output, _, err := in.Run(context.Background(), "main/0", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"11", "true"}, output)
}

func TestInterpreter_LoopAccumulates(t *testing.T) {
	src := `box Main {
		main() {
			local i = 0
			local sum = 0
			loop(i < 5) {
				sum = sum + i
				i = i + 1
			}
			print(sum)
		}
	}`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	in := New(prog)
	output, _, err := in.Run(context.Background(), "main/0", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"10"}, output)
}

func TestInterpreter_BuiltinStringBoxMethods(t *testing.T) {
	src := `box Main {
		main() {
			local s = new StringBox("hello")
			print(s.length())
			print(s.concat(" world"))
		}
	}`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	in := New(prog)
	output, _, err := in.Run(context.Background(), "main/0", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "hello world"}, output)
}

// TestInterpreter_PluginConstructionInvokesBirth guards against the gap
// where `new` on a manifest-backed plugin Box type skipped the plugin's
// `birth` method entirely: spec §4.5 requires "Plugin Box creation invokes
// the plugin's birth method (method_id 0) via the C-ABI".
func TestInterpreter_PluginConstructionInvokesBirth(t *testing.T) {
	manifest := ports.BoxManifest{
		BoxType: "NetClient", TypeID: 7,
		Methods: map[string]ports.MethodManifest{
			"birth": {MethodID: 0},
		},
	}
	store := &fakeManifestStore{boxType: "NetClient", manifest: manifest}
	invoker := &recordingInvoker{}

	src := `box Main {
		main() {
			local c = new NetClient()
			print("done")
		}
	}`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	in := New(prog, WithPlugins(invoker, store))
	output, _, err := in.Run(context.Background(), "main/0", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"done"}, output)
	require.Len(t, invoker.calls, 1)
	assert.Equal(t, uint32(7), invoker.calls[0].typeID)
	assert.Equal(t, uint32(0), invoker.calls[0].methodID)
}
