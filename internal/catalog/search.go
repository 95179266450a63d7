package catalog

import (
	"sort"
	"strings"

	"digistore/internal/repo"
)

type scoredService struct {
	Service repo.Service
	Score   int
}

func filterByQuery(items []repo.Service, query, category string) []repo.Service {
	category = strings.TrimSpace(strings.ToLower(category))
	query = strings.TrimSpace(strings.ToLower(query))

	if query == "" {
		res := make([]repo.Service, 0, len(items))
		for _, item := range items {
			if category == "" || strings.EqualFold(item.Category, category) {
				res = append(res, item)
			}
		}
		sort.SliceStable(res, func(i, j int) bool {
			left := strings.ToLower(res[i].Category)
			right := strings.ToLower(res[j].Category)
			if left == right {
				return res[i].Price.LessThan(res[j].Price)
			}
			return left < right
		})
		return res
	}

	tokens := tokenizeQuery(query)
	var scored []scoredService
	for _, item := range items {
		score := matchScore(item, tokens, category)
		if score > 0 {
			scored = append(scored, scoredService{Service: item, Score: score})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score == scored[j].Score {
			return scored[i].Service.Price.LessThan(scored[j].Service.Price)
		}
		return scored[i].Score > scored[j].Score
	})

	out := make([]repo.Service, 0, len(scored))
	for _, sc := range scored {
		out = append(out, sc.Service)
	}
	return out
}

func matchScore(item repo.Service, tokens []string, category string) int {
	itemCategory := strings.ToLower(item.Category)
	if category != "" && itemCategory != category {
		return 0
	}

	name := strings.ToLower(item.Name)
	description := strings.ToLower(item.Description)

	score := 0
	for _, token := range tokens {
		if token == "" {
			continue
		}
		if strings.Contains(name, token) {
			score += 4
		}
		if strings.Contains(itemCategory, token) {
			score += 3
		}
		if strings.Contains(description, token) {
			score++
		}
	}
	return score
}

func tokenizeQuery(query string) []string {
	if query == "" {
		return nil
	}
	query = strings.ReplaceAll(query, ".", " ")
	query = strings.ReplaceAll(query, ",", " ")
	query = strings.ReplaceAll(query, "-", " ")
	return strings.Fields(query)
}
