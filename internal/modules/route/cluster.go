// README: Stop clustering: bounded K-means plus greedy load rebalancing.
package route

import (
	"log"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

const (
	// kmeansIterations bounds the assign/recenter loop; courier batches are
	// small and converge long before this.
	kmeansIterations = 10
	// rebalancePasses bounds the fairness loop so it always terminates.
	rebalancePasses = 100
)

// Cluster partitions points into at most k spatially coherent, size-balanced
// groups and returns the point indices per group. Seeding uses the first k
// points so results are reproducible. If fewer points than k exist, a single
// group holding every point is returned rather than k mostly-empty ones.
func Cluster(points []orb.Point, k int) [][]int {
	if len(points) == 0 {
		return nil
	}
	if k <= 1 || len(points) < k {
		all := make([]int, len(points))
		for i := range points {
			all[i] = i
		}
		return [][]int{all}
	}

	centroids := make([]orb.Point, k)
	copy(centroids, points[:k])

	assign := make([]int, len(points))
	for iter := 0; iter < kmeansIterations; iter++ {
		for i, p := range points {
			assign[i] = nearestCentroid(p, centroids)
		}

		counts := make([]int, k)
		sums := make([]orb.Point, k)
		for i, p := range points {
			c := assign[i]
			counts[c]++
			sums[c][0] += p[0]
			sums[c][1] += p[1]
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				// Empty cluster: reseed to the point farthest from every
				// current centroid. Deterministic, so tests stay stable.
				centroids[c] = points[farthestPoint(points, centroids)]
				continue
			}
			centroids[c] = orb.Point{sums[c][0] / float64(counts[c]), sums[c][1] / float64(counts[c])}
		}
	}

	clusters := make([][]int, k)
	for i := range points {
		c := assign[i]
		clusters[c] = append(clusters[c], i)
	}

	rebalance(points, centroids, clusters)

	sizes := make([]int, k)
	for c := range clusters {
		sizes[c] = len(clusters[c])
	}
	log.Printf("clustered %d stops into %d groups, sizes=%v", len(points), k, sizes)
	return clusters
}

// rebalance moves stops from oversized clusters into the smallest one until
// no cluster exceeds ceil(n/k). Pure K-means can hand one courier a single
// stop and another nine; workload fairness matters more operationally than
// marginal distance optimality.
func rebalance(points []orb.Point, centroids []orb.Point, clusters [][]int) {
	k := len(clusters)
	target := (len(points) + k - 1) / k

	for pass := 0; pass < rebalancePasses; pass++ {
		smallest := 0
		for c := 1; c < k; c++ {
			if len(clusters[c]) < len(clusters[smallest]) {
				smallest = c
			}
		}

		oversized := -1
		for c := 0; c < k; c++ {
			if c != smallest && len(clusters[c]) > target {
				oversized = c
				break
			}
		}
		if oversized == -1 {
			return
		}

		// Move the oversized cluster's point nearest to the small cluster's
		// centroid.
		best, bestDist := 0, math.MaxFloat64
		for i, pi := range clusters[oversized] {
			d := planar.DistanceSquared(points[pi], centroids[smallest])
			if d < bestDist {
				best, bestDist = i, d
			}
		}
		moved := clusters[oversized][best]
		clusters[oversized] = append(clusters[oversized][:best], clusters[oversized][best+1:]...)
		clusters[smallest] = append(clusters[smallest], moved)
	}
}

func nearestCentroid(p orb.Point, centroids []orb.Point) int {
	best, bestDist := 0, math.MaxFloat64
	for c, ctr := range centroids {
		if d := planar.DistanceSquared(p, ctr); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// farthestPoint returns the index of the point whose nearest centroid is
// farthest away.
func farthestPoint(points []orb.Point, centroids []orb.Point) int {
	best, bestDist := 0, -1.0
	for i, p := range points {
		nearest := math.MaxFloat64
		for _, ctr := range centroids {
			if d := planar.DistanceSquared(p, ctr); d < nearest {
				nearest = d
			}
		}
		if nearest > bestDist {
			best, bestDist = i, nearest
		}
	}
	return best
}
