package xtier_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/redis/go-redis/v9"

	"github.com/omeyang/xtier/pkg/storage/xtier"
)

func ExampleManager() {
	m, err := xtier.New(xtier.Config{}, xtier.WithLogger(nil))
	if err != nil {
		log.Fatal(err)
	}
	defer m.Close()

	ctx := context.Background()
	if err := m.Set(ctx, "price:42", 9.99,
		xtier.WithTTL(time.Minute),
		xtier.WithTags("pricing"),
	); err != nil {
		log.Fatal(err)
	}

	price, ok := xtier.GetAs[float64](ctx, m, "price:42", "")
	fmt.Println(price, ok)

	fmt.Println(m.InvalidateByTag(ctx, "pricing"))
	_, ok = m.Get(ctx, "price:42", "")
	fmt.Println(ok)
	// Output:
	// 9.99 true
	// 1
	// false
}

func ExampleNewSessionStore() {
	session, err := xtier.NewSessionStore(memfs.New(), xtier.WithSessionID("tab-1"))
	if err != nil {
		log.Fatal(err)
	}

	m, err := xtier.New(xtier.Config{Storage: xtier.KindSession},
		xtier.WithStore(session), xtier.WithLogger(nil))
	if err != nil {
		log.Fatal(err)
	}
	defer m.Close()

	ctx := context.Background()
	if err := m.Set(ctx, "draft", map[string]string{"title": "hello"}); err != nil {
		log.Fatal(err)
	}

	keys, _ := session.Keys(ctx)
	fmt.Println(keys)

	_ = session.End()
	// Output: [draft]
}

func ExampleNewOriginStore() {
	mr, err := miniredis.Run()
	if err != nil {
		log.Fatal(err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	origin, err := xtier.NewOriginStore(client, xtier.WithOriginPrefix("shop:"))
	if err != nil {
		log.Fatal(err)
	}

	m, err := xtier.New(xtier.Config{}, xtier.WithStore(origin), xtier.WithLogger(nil))
	if err != nil {
		log.Fatal(err)
	}
	defer m.Close()

	ctx := context.Background()
	if err := m.Set(ctx, "catalog", []string{"a", "b"}, xtier.WithPersistTo(xtier.KindOrigin)); err != nil {
		log.Fatal(err)
	}

	fmt.Println(mr.Exists("shop:catalog"))
	// Output: true
}

func ExampleQuery() {
	m, err := xtier.New(xtier.Config{}, xtier.WithLogger(nil))
	if err != nil {
		log.Fatal(err)
	}
	defer m.Close()

	qc, err := xtier.NewQueryCache(m)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	calls := 0
	count := func(context.Context) (int, error) {
		calls++
		return 128, nil
	}

	deps := []string{xtier.TableTag("users")}
	for range 2 {
		n, err := xtier.Query(ctx, qc, "user-count", deps, count)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(n)
	}
	fmt.Println("producer calls:", calls)
	fmt.Println("invalidated:", qc.InvalidateTable(ctx, "users"))
	// Output:
	// 128
	// 128
	// producer calls: 1
	// invalidated: 1
}
