package monitor

import (
	"fmt"

	ps "github.com/mitchellh/go-ps"
)

// descendants returns every process below root, children before grandchildren
func descendants(root int) ([]int, error) {
	procs, err := ps.Processes()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	children := make(map[int][]int, len(procs))
	for _, p := range procs {
		if p.Pid() == p.PPid() {
			continue
		}
		children[p.PPid()] = append(children[p.PPid()], p.Pid())
	}

	var result []int
	seen := map[int]bool{root: true}
	queue := []int{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range children[pid] {
			if seen[child] {
				continue
			}
			seen[child] = true
			result = append(result, child)
			queue = append(queue, child)
		}
	}
	return result, nil
}
