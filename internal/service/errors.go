// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — образ не найден.
	ErrNotFound = errors.New("образ не найден")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrAlreadyConfirmed — бинарный файл уже загружен.
	ErrAlreadyConfirmed = errors.New("бинарный файл уже загружен")
	// ErrNoBinary — у образа нет бинарного файла.
	ErrNoBinary = errors.New("у образа нет бинарного файла")
	// ErrChecksumMismatch — SHA-1 загруженного файла не совпадает с заявленным.
	ErrChecksumMismatch = errors.New("контрольная сумма файла не совпадает с заявленной")
	// ErrInvalidExtension — расширение файла вне списка допустимых.
	ErrInvalidExtension = errors.New("недопустимое расширение файла")
	// ErrIDGeneration — не удалось сгенерировать уникальный id за отведённые попытки.
	ErrIDGeneration = errors.New("не удалось сгенерировать уникальный идентификатор")
	// ErrStoreUnavailable — хранилище (БД или объектное) недоступно.
	ErrStoreUnavailable = errors.New("хранилище недоступно")
)
