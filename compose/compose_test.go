package compose_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/on-the-ground/compose_ive_go/compose"
)

func TestRun_ResultPropagates(t *testing.T) {
	cache := compose.NewCache()
	got, err := compose.Run(cache, func(cx *compose.Context) string {
		return "hello"
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
	assert.Equal(t, 1, cache.Revision())
}

func TestRun_DumpStableAcrossRuns(t *testing.T) {
	cache := compose.NewCache(compose.WithLogger(zaptest.NewLogger(t)))

	render := func() (int, error) {
		return compose.Run(cache, func(cx *compose.Context) int {
			n, _, err := compose.State(cx, func() int { return 7 })
			require.NoError(t, err)
			return compose.Group(cx, func(dirty bool) int {
				m, _, err := compose.State(cx, func() int { return 2 })
				require.NoError(t, err)
				return n * m
			})
		})
	}

	var dumps []string
	for i := 0; i < 3; i++ {
		got, err := render()
		require.NoError(t, err)
		assert.Equal(t, 14, got)
		dumps = append(dumps, cache.Dump())
	}
	assert.Equal(t, dumps[0], dumps[1])
	assert.Equal(t, dumps[1], dumps[2])
}

func TestState_InitRunsOnceAndValueSurvives(t *testing.T) {
	cache := compose.NewCache()
	inits := 0

	render := func() (int, error) {
		return compose.Run(cache, func(cx *compose.Context) int {
			v, _, err := compose.State(cx, func() int {
				inits++
				return 41
			})
			require.NoError(t, err)
			return v
		})
	}

	for i := 0; i < 3; i++ {
		got, err := render()
		require.NoError(t, err)
		assert.Equal(t, 41, got)
	}
	assert.Equal(t, 1, inits)
}

func TestState_NilValueSurvives(t *testing.T) {
	cache := compose.NewCache()
	inits := 0

	render := func() (any, error) {
		return compose.Run(cache, func(cx *compose.Context) any {
			v, _, err := compose.State(cx, func() any {
				inits++
				return nil
			})
			require.NoError(t, err)
			return v
		})
	}

	for i := 0; i < 3; i++ {
		got, err := render()
		require.NoError(t, err)
		assert.Nil(t, got)
	}
	assert.Equal(t, 1, inits, "a stored nil must not look like an uninitialized cell")
}

func TestSetState_NilVisibleOnNextRun(t *testing.T) {
	cache := compose.NewCache()
	inits := 0
	var key compose.Key[any]

	render := func() (any, error) {
		return compose.Run(cache, func(cx *compose.Context) any {
			v, k, err := compose.State(cx, func() any {
				inits++
				return "initial"
			})
			require.NoError(t, err)
			key = k
			return v
		})
	}

	got, err := render()
	require.NoError(t, err)
	assert.Equal(t, "initial", got)

	require.NoError(t, compose.SetState(cache, key, nil))

	cur, err := compose.GetState(cache, key)
	require.NoError(t, err)
	assert.Nil(t, cur)

	got, err = render()
	require.NoError(t, err)
	assert.Nil(t, got, "the written nil must survive the run, not be reinitialized")
	assert.Equal(t, 1, inits)
}

func TestSetState_VisibleOnNextRun(t *testing.T) {
	cache := compose.NewCache()
	var key compose.Key[int]

	render := func() (int, error) {
		return compose.Run(cache, func(cx *compose.Context) int {
			v, k, err := compose.State(cx, func() int { return 0 })
			require.NoError(t, err)
			key = k
			return v
		})
	}

	got, err := render()
	require.NoError(t, err)
	assert.Equal(t, 0, got)

	require.NoError(t, compose.SetState(cache, key, 5))

	cur, err := compose.GetState(cache, key)
	require.NoError(t, err)
	assert.Equal(t, 5, cur)

	got, err = render()
	require.NoError(t, err)
	assert.Equal(t, 5, got)
	assert.Equal(t, 0, cache.LastRun().Reruns, "writes between runs must not force reruns")
}

func TestSetState_MidRunForcesRerun(t *testing.T) {
	cache := compose.NewCache()

	got, err := compose.Run(cache, func(cx *compose.Context) int {
		v, key, err := compose.State(cx, func() int { return 0 })
		require.NoError(t, err)
		if v == 0 {
			require.NoError(t, compose.SetState(cx.Cache(), key, 1))
		}
		return v
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got, "the returned value must come from the converged pass")
	assert.Equal(t, 1, cache.LastRun().Reruns)
	assert.Equal(t, 2, cache.Revision(), "each pass is its own revision")
}

func TestGroup_InvalidationPropagatesToEveryAncestor(t *testing.T) {
	cache := compose.NewCache()
	var key compose.Key[int]

	render := func() ([]bool, error) {
		var dirties []bool
		_, err := compose.Run(cache, func(cx *compose.Context) int {
			return compose.Group(cx, func(dirty bool) int {
				dirties = append(dirties, dirty)
				return compose.Group(cx, func(dirty bool) int {
					dirties = append(dirties, dirty)
					return compose.Group(cx, func(dirty bool) int {
						dirties = append(dirties, dirty)
						v, k, err := compose.State(cx, func() int { return 1 })
						require.NoError(t, err)
						key = k
						return v
					})
				})
			})
		})
		return dirties, err
	}

	dirties, err := render()
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, false}, dirties)

	require.NoError(t, compose.SetState(cache, key, 2))

	dirties, err = render()
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, true}, dirties,
		"every group on the path to the changed cell must reopen dirty")

	dirties, err = render()
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, false}, dirties,
		"closing a group must clear its flag")
}

func TestMemoize_ComputesOnlyOnArgChange(t *testing.T) {
	cache := compose.NewCache()
	computes := 0

	render := func(n int) (int, error) {
		return compose.Run(cache, func(cx *compose.Context) int {
			v, err := compose.Memoize(cx, n, func() int {
				computes++
				return n * n
			})
			require.NoError(t, err)
			return v
		})
	}

	got, err := render(3)
	require.NoError(t, err)
	assert.Equal(t, 9, got)
	assert.Equal(t, 1, computes)

	got, err = render(3)
	require.NoError(t, err)
	assert.Equal(t, 9, got)
	assert.Equal(t, 1, computes, "identical args must hit the cache")

	got, err = render(4)
	require.NoError(t, err)
	assert.Equal(t, 16, got)
	assert.Equal(t, 2, computes)
}

func TestMemoize_NilArgsHitCache(t *testing.T) {
	cache := compose.NewCache()
	computes := 0

	render := func() (int, error) {
		return compose.Run(cache, func(cx *compose.Context) int {
			var args any
			v, err := compose.Memoize(cx, args, func() int {
				computes++
				return 7
			})
			require.NoError(t, err)
			return v
		})
	}

	for i := 0; i < 2; i++ {
		got, err := render()
		require.NoError(t, err)
		assert.Equal(t, 7, got)
	}
	assert.Equal(t, 1, computes, "unchanged nil args must hit the cache")
}

func TestMemoize_RecomputesWhenInnerStateInvalidated(t *testing.T) {
	cache := compose.NewCache()
	computes := 0
	var key compose.Key[int]

	render := func() (int, error) {
		return compose.Run(cache, func(cx *compose.Context) int {
			v, err := compose.Memoize(cx, "fixed", func() int {
				computes++
				base, k, err := compose.State(cx, func() int { return 10 })
				require.NoError(t, err)
				key = k
				return base + 1
			})
			require.NoError(t, err)
			return v
		})
	}

	got, err := render()
	require.NoError(t, err)
	assert.Equal(t, 11, got)
	assert.Equal(t, 1, computes)

	got, err = render()
	require.NoError(t, err)
	assert.Equal(t, 11, got)
	assert.Equal(t, 1, computes)

	require.NoError(t, compose.SetState(cache, key, 20))

	got, err = render()
	require.NoError(t, err)
	assert.Equal(t, 21, got, "recomputation must see the written state")
	assert.Equal(t, 2, computes)
}

func TestPruning_DropsEntriesAndStaleKeysFail(t *testing.T) {
	cache := compose.NewCache()
	var detailKey compose.Key[int]

	render := func(showDetail bool) error {
		_, err := compose.Run(cache, func(cx *compose.Context) int {
			return compose.Group(cx, func(dirty bool) int {
				v, _, err := compose.State(cx, func() int { return 1 })
				require.NoError(t, err)
				if showDetail {
					v += compose.Group(cx, func(dirty bool) int {
						d, k, err := compose.State(cx, func() int { return 100 })
						require.NoError(t, err)
						detailKey = k
						return d
					})
				}
				return v
			})
		})
		return err
	}

	require.NoError(t, render(true))
	withDetail := cache.EntryCount()

	require.NoError(t, render(false))
	assert.Less(t, cache.EntryCount(), withDetail, "hiding the branch must drop its entries")

	_, err := compose.GetState(cache, detailKey)
	assert.ErrorIs(t, err, compose.ErrStaleKey)
	assert.ErrorIs(t, compose.SetState(cache, detailKey, 0), compose.ErrStaleKey)

	// bringing the branch back rebuilds it from scratch
	require.NoError(t, render(true))
	assert.Equal(t, withDetail, cache.EntryCount())
	d, err := compose.GetState(cache, detailKey)
	require.NoError(t, err)
	assert.Equal(t, 100, d, "the rebuilt cell starts from init again")
}

func TestScoped_ReorderingPreservesState(t *testing.T) {
	cache := compose.NewCache()
	inits := 0

	render := func(items []int) (map[int]int, error) {
		values := make(map[int]int)
		_, err := compose.Run(cache, func(cx *compose.Context) int {
			for _, item := range items {
				values[item] = compose.Scoped(cx, item, func() int {
					v, _, err := compose.State(cx, func() int {
						inits++
						return item * 10
					})
					require.NoError(t, err)
					return v
				})
			}
			return 0
		})
		return values, err
	}

	got, err := render([]int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 10, 2: 20, 3: 30}, got)
	assert.Equal(t, 3, inits)

	got, err = render([]int{3, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 10, 2: 20, 3: 30}, got)
	assert.Equal(t, 3, inits, "reordering must not reinitialize any item")
}

func TestSkipToEndOfGroup_PreservesChildren(t *testing.T) {
	cache := compose.NewCache()
	inits := 0

	render := func(skip bool) (int, error) {
		return compose.Run(cache, func(cx *compose.Context) int {
			return compose.Group(cx, func(dirty bool) int {
				if skip {
					compose.SkipToEndOfGroup(cx)
					return -1
				}
				v, _, err := compose.State(cx, func() int {
					inits++
					return 5
				})
				require.NoError(t, err)
				return v
			})
		})
	}

	got, err := render(false)
	require.NoError(t, err)
	assert.Equal(t, 5, got)

	got, err = render(true)
	require.NoError(t, err)
	assert.Equal(t, -1, got)

	got, err = render(false)
	require.NoError(t, err)
	assert.Equal(t, 5, got, "skipped children must survive for the next visit")
	assert.Equal(t, 1, inits)
}

func TestChanged(t *testing.T) {
	cache := compose.NewCache()

	render := func(v int) (bool, error) {
		return compose.Run(cache, func(cx *compose.Context) bool {
			return compose.Changed(cx, v)
		})
	}

	ch, err := render(1)
	require.NoError(t, err)
	assert.True(t, ch, "the first observation always counts as a change")

	ch, err = render(1)
	require.NoError(t, err)
	assert.False(t, ch)

	ch, err = render(2)
	require.NoError(t, err)
	assert.True(t, ch)
}

func TestOnce(t *testing.T) {
	cache := compose.NewCache()
	calls := 0

	render := func() (int, error) {
		return compose.Run(cache, func(cx *compose.Context) int {
			v, err := compose.Once(cx, func() int {
				calls++
				return 99
			})
			require.NoError(t, err)
			return v
		})
	}

	for i := 0; i < 3; i++ {
		got, err := render()
		require.NoError(t, err)
		assert.Equal(t, 99, got)
	}
	assert.Equal(t, 1, calls)
}

func TestSetStateWithoutInvalidation(t *testing.T) {
	cache := compose.NewCache()
	var key compose.Key[int]

	render := func() (int, bool, error) {
		var dirty bool
		got, err := compose.Run(cache, func(cx *compose.Context) int {
			return compose.Group(cx, func(d bool) int {
				dirty = d
				v, k, err := compose.State(cx, func() int { return 1 })
				require.NoError(t, err)
				key = k
				return v
			})
		})
		return got, dirty, err
	}

	_, _, err := render()
	require.NoError(t, err)

	require.NoError(t, compose.SetStateWithoutInvalidation(cache, key, 99))

	got, dirty, err := render()
	require.NoError(t, err)
	assert.Equal(t, 99, got, "the write must still be visible")
	assert.False(t, dirty, "the write must not dirty the enclosing group")
}

// readCell pins State to a single call site across instantiations, so two
// differently-typed calls produce sibling slots with the same call id.
func readCell[T any](cx *compose.Context, init T) (T, error) {
	v, _, err := compose.State(cx, func() T { return init })
	return v, err
}

func TestState_TypeMismatchSurfaces(t *testing.T) {
	cache := compose.NewCache()

	_, err := compose.Run(cache, func(cx *compose.Context) error {
		if _, err := readCell[int](cx, 1); err != nil {
			return err
		}
		if _, err := readCell[string](cx, "s"); err != nil {
			return err
		}
		return nil
	})
	require.NoError(t, err)

	// the duplicate id now binds to the first (int) slot
	got, err := compose.Run(cache, func(cx *compose.Context) error {
		_, cellErr := readCell[string](cx, "s")
		return cellErr
	})
	require.NoError(t, err)
	assert.ErrorIs(t, got, compose.ErrTypeMismatch)
}

func TestEnterScope_UnbalancedFailsRun(t *testing.T) {
	cache := compose.NewCache()
	_, err := compose.Run(cache, func(cx *compose.Context) int {
		compose.EnterScope(cx, 0)
		return 0
	})
	assert.ErrorIs(t, err, compose.ErrUnbalanced)
}

func TestRun_Reentrancy(t *testing.T) {
	cache := compose.NewCache()
	var nestedErr error
	_, err := compose.Run(cache, func(cx *compose.Context) int {
		_, nestedErr = compose.Run(cache, func(cx *compose.Context) int { return 0 })
		return 0
	})
	require.NoError(t, err)
	assert.ErrorIs(t, nestedErr, compose.ErrRunInProgress)
}

func TestLastRunReport(t *testing.T) {
	cache := compose.NewCache()
	_, err := compose.Run(cache, func(cx *compose.Context) int {
		assert.Equal(t, 1, cx.Revision())
		return 0
	})
	require.NoError(t, err)

	report := cache.LastRun()
	assert.Equal(t, cache.Revision(), report.Revision)
	assert.Equal(t, 0, report.Reruns)
	assert.GreaterOrEqual(t, report.Span.Duration(), time.Duration(0))
}

func TestGetState_ZeroKey(t *testing.T) {
	cache := compose.NewCache()
	var key compose.Key[int]
	assert.True(t, key.IsZero())
	_, err := compose.GetState(cache, key)
	assert.ErrorIs(t, err, compose.ErrStaleKey)
}
