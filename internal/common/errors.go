// Package common — errors.go определяет ошибки, которые используются
// во всех модулях сервиса репутации.
// Эти ошибки позволяют вызывающему коду различать типы проблем
// через errors.Is и решать: проигнорировать, залогировать или поднять тревогу.
package common

import "errors"

// Ошибки журнала событий
var (
	// ErrDuplicateEvent — активная запись с тем же ключом идемпотентности уже есть.
	// Безопасно игнорировать (повторная доставка события).
	ErrDuplicateEvent = errors.New("событие уже записано в журнал")
	// ErrUnknownEvent — неизвестный тип события
	ErrUnknownEvent = errors.New("неизвестный тип события")
	// ErrInvalidEvent — в событии не хватает полей или они некорректны
	ErrInvalidEvent = errors.New("некорректное событие")
	// ErrAlreadyRetracted — запись журнала уже отозвана
	ErrAlreadyRetracted = errors.New("запись журнала уже отозвана")
	// ErrMaxDepth — превышена допустимая глубина дерева комментариев
	ErrMaxDepth = errors.New("превышена максимальная глубина комментариев")
	// ErrNotFound — сущность не найдена
	ErrNotFound = errors.New("не найдено")
)

// Ошибки счётчиков
var (
	// ErrCounterUnderflow — счётчик ушёл бы ниже нуля и был зажат в 0.
	// Не фатально: отзыв события может гоняться с удалением.
	ErrCounterUnderflow = errors.New("счётчик ушёл ниже нуля и зажат в 0")
	// ErrUnknownCounter — счётчик не из белого списка
	ErrUnknownCounter = errors.New("неизвестный счётчик")
)

// Ошибки профилей весов
var (
	// ErrUnknownProfile — профиль весов с таким именем не существует
	ErrUnknownProfile = errors.New("неизвестный профиль весов")
	// ErrInvalidWeight — вес отрицательный или не число
	ErrInvalidWeight = errors.New("вес должен быть конечным и >= 0")
	// ErrSystemProfile — системный профиль нельзя менять
	ErrSystemProfile = errors.New("системный профиль нельзя изменить")
)

// Ошибки репутации
var (
	// ErrReconciliationMismatch — сумма журнала кармы не совпадает с живым значением
	ErrReconciliationMismatch = errors.New("журнал репутации расходится с текущим значением")
	// ErrActorRequired — ручная правка без указания администратора
	ErrActorRequired = errors.New("для ручной правки нужен администратор")
	// ErrInvalidTrustScore — trust score вне диапазона 0..100
	ErrInvalidTrustScore = errors.New("trust score должен быть в диапазоне 0..100")
)

// Ошибки пересчёта и чтения
var (
	// ErrRecomputeJobFailure — фоновый пересчёт упал; прогресс сохранён в чекпоинте
	ErrRecomputeJobFailure = errors.New("фоновый пересчёт завершился с ошибкой")
	// ErrUnknownScoreKind — неизвестный тип скора
	ErrUnknownScoreKind = errors.New("неизвестный тип скора")
	// ErrUnknownFeed — неизвестная лента
	ErrUnknownFeed = errors.New("неизвестная лента")
	// ErrUnknownLeaderboard — неизвестный лидерборд
	ErrUnknownLeaderboard = errors.New("неизвестный лидерборд")
	// ErrUnknownScope — неизвестная область пересчёта
	ErrUnknownScope = errors.New("неизвестная область пересчёта")
)

// Ошибки админки
var (
	// ErrUnauthorized — неверный пароль администратора
	ErrUnauthorized = errors.New("неверный пароль администратора")
	// ErrTooManyAttempts — слишком много неудачных входов, вход временно закрыт
	ErrTooManyAttempts = errors.New("слишком много попыток, подождите 1 час")
)
