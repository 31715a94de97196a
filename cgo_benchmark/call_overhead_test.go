//go:build cgo && (darwin || linux) && juicecgo

package cgo_benchmark

import "testing"

// BenchmarkCGOCallOverhead measures the CGO call overhead for comparison with purego.
func BenchmarkCGOCallOverhead(b *testing.B) {
	b.Run("Noop", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = Noop()
		}
	})

	b.Run("CreateDestroy", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			if CreateDestroy() != 0 {
				b.Fatal("juice_create failed")
			}
		}
	})

	b.Run("LocalDescription", func(b *testing.B) {
		agent := NewAgent()
		if agent == nil {
			b.Fatal("juice_create failed")
		}
		defer agent.Close()

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if agent.LocalDescription() != 0 {
				b.Fatal("juice_get_local_description failed")
			}
		}
	})
}
