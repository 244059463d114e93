/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package trafficlimit_test

import (
	"fmt"
	"time"

	"github.com/drizzlepal/go-trafficlimit/trafficlimit"
)

func ExampleSlidingWindowLimiter() {
	now := time.UnixMilli(5000)
	lim := trafficlimit.NewSlidingWindowLimiter(3, trafficlimit.WithClock(func() time.Time { return now }))

	for i := 0; i < 4; i++ {
		fmt.Println(lim.TryAcquire())
	}
	fmt.Println(lim.Count(), lim.RetryAfter())

	now = now.Add(time.Second)
	fmt.Println(lim.TryAcquire())

	// Output:
	// true
	// true
	// true
	// false
	// 4 951ms
	// true
}

func ExampleKeyedLimiter() {
	kl, err := trafficlimit.NewKeyedLimiter(1, 100)
	if err != nil {
		panic(err)
	}
	fmt.Println(kl.TryAcquire("10.0.0.1"), kl.TryAcquire("10.0.0.2"), kl.TryAcquire("10.0.0.1"))

	// Output:
	// true true false
}
