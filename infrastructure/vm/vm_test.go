package vm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyash-core/application/mirbuild"
	"nyash-core/application/parser"
)

func build(t *testing.T, src string) *VM {
	t.Helper()
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	mod, err := mirbuild.Build(prog)
	require.NoError(t, err)
	return New(mod)
}

func run(t *testing.T, v *VM, args []any) ([]string, any, error) {
	t.Helper()
	return v.Run(context.Background(), v.mod.EntryFunc, args)
}

func TestVM_HelloPrintsGreeting(t *testing.T) {
	v := build(t, `static box Main {
		main() {
			print("Hello, Nyash!")
		}
	}`)
	output, _, err := run(t, v, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello, Nyash!"}, output)
}

func TestVM_ArithmeticAndComparison(t *testing.T) {
	v := build(t, `box Main {
		main() {
			local a = 3 + 4 * 2
			local b = a > 10
			print(a)
			print(b)
		}
	}
	local m = new Main()
	m.main()`)
	output, _, err := run(t, v, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"11", "true"}, output)
}

func TestVM_LoopAccumulates(t *testing.T) {
	v := build(t, `box Main {
		main() {
			local i = 0
			local sum = 0
			loop(i < 5) {
				sum = sum + i
				i = i + 1
			}
			print(sum)
		}
	}
	local m = new Main()
	m.main()`)
	output, _, err := run(t, v, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"10"}, output)
}

func TestVM_CascadeFinalizationRunsOnFieldTeardown(t *testing.T) {
	v := build(t, `box Child {
		fini() { print("C") }
	}
	box Parent {
		init { child }
		birth() { me.child = new Child() }
		fini() { print("P") }
	}
	local p = new Parent()`)
	output, _, err := run(t, v, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"P", "C"}, output)
}

// TestVM_FiniErrorStillCompletesFinalization is the negative case for spec
// §4.5 rule 4 / §7: a fini error is logged rather than aborting
// finalization. Child's fini throws, which must not stop Parent's own
// cascade from completing, leave Parent stuck in Finalizing, or skip
// bumping its generation counter (I5).
func TestVM_FiniErrorStillCompletesFinalization(t *testing.T) {
	v := build(t, `box Child {
		fini() { throw "boom" }
	}
	box Parent {
		init { child }
		birth() { me.child = new Child() }
		fini() { print("P") }
	}
	local p = new Parent()
	return p`)
	output, result, err := run(t, v, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"P"}, output)

	p, ok := result.(*Box)
	require.True(t, ok)
	assert.True(t, v.reg.IsFinalized(p.identity))
	gen, ok := v.reg.Generation(p.identity)
	require.True(t, ok)
	assert.GreaterOrEqual(t, gen, uint64(2))
}

func TestVM_TryCatchBindsThrownValue(t *testing.T) {
	v := build(t, `box Main {
		main() {
			try {
				throw "boom"
			} catch (e) {
				print(e)
			} finally {
				print("done")
			}
		}
	}`)
	output, _, err := run(t, v, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"boom", "done"}, output)
}

func TestVM_UncaughtThrowPropagates(t *testing.T) {
	v := build(t, `box Main {
		main() {
			throw "uncaught"
		}
	}`)
	_, _, err := run(t, v, nil)
	require.Error(t, err)
}

func TestVM_DelegationCallsParentMethod(t *testing.T) {
	v := build(t, `box Animal {
		speak() { return "..." }
	}
	box Dog from Animal {
		speak() {
			local base = from Animal.speak()
			return base
		}
	}
	local d = new Dog()
	print(d.speak())`)
	output, _, err := run(t, v, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"..."}, output)
}

func TestVM_StatsTracksInstructionCounts(t *testing.T) {
	prog, err := parser.New(`box Main {
		main() { print("hi") }
	}
	local m = new Main()
	m.main()`).Parse()
	require.NoError(t, err)
	mod, err := mirbuild.Build(prog)
	require.NoError(t, err)
	v := New(mod, WithStats())
	_, _, err = v.Run(context.Background(), mod.EntryFunc, nil)
	require.NoError(t, err)
	require.NotNil(t, v.Stats())
}
