// Package common содержит общие утилиты, используемые во всём проекте.
// Сюда входят: часы, пагинация, работа с датами и разбор CSV из окружения.
package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock возвращает текущее время. Подменяется в тестах.
type Clock func() time.Time

// SystemClock — часы по умолчанию (UTC).
func SystemClock() time.Time {
	return time.Now().UTC()
}

// Page — окно выдачи для лент и лидербордов.
type Page struct {
	Limit  int
	Offset int
}

// DefaultPageLimit — размер страницы, если не задан.
const DefaultPageLimit = 50

// MaxPageLimit — верхняя граница размера страницы.
const MaxPageLimit = 100

// Normalize приводит страницу к допустимым значениям.
func (p Page) Normalize() Page {
	if p.Limit <= 0 || p.Limit > MaxPageLimit {
		p.Limit = DefaultPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Bounds возвращает границы среза [from:to) для коллекции длины n.
func (p Page) Bounds(n int) (int, int) {
	p = p.Normalize()
	from := p.Offset
	if from > n {
		from = n
	}
	to := from + p.Limit
	if to > n {
		to = n
	}
	return from, to
}

// DayOf возвращает начало суток (UTC) для момента t.
// Нужно для подсчёта активных дней пользователя.
func DayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseInt64CSV разбирает список чисел через запятую ("1, 2,3").
// Пустая строка — пустой список.
func ParseInt64CSV(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad int64 %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}
