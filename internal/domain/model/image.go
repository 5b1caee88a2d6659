// Пакет model — доменные модели Image Manager.
package model

import "time"

// Image — запись образа прошивки. Метаданные хранятся в PostgreSQL,
// бинарный файл (если подтверждён) — в объектном хранилище под ключом
// {id}.{extension} в bucket арендатора.
type Image struct {
	// ID — UUID записи, генерируется сервисом, неизменяем.
	ID string `json:"id"`
	// Tenant — арендатор (схема изоляции). Не сериализуется наружу.
	Tenant string `json:"-"`
	// Label — человекочитаемое имя образа.
	Label string `json:"label"`
	// FwVersion — версия прошивки.
	FwVersion string `json:"fw_version"`
	// HwVersion — версия аппаратной платформы.
	HwVersion string `json:"hw_version"`
	// SHA1 — заявленный клиентом SHA-1 ожидаемого бинарного файла.
	SHA1 string `json:"sha1"`
	// Confirmed — true после успешной загрузки бинарного файла.
	Confirmed bool `json:"confirmed"`
	// Extension — расширение загруженного файла (nil пока не подтверждён).
	Extension *string `json:"extension,omitempty"`
	// ExpiresAt — дедлайн подтверждения для pending записи.
	// NULL после подтверждения. Просроченные pending записи удаляет sweeper.
	ExpiresAt *time.Time `json:"-"`
	// CreatedAt / UpdatedAt — устанавливаются сервером.
	CreatedAt time.Time `json:"created"`
	UpdatedAt time.Time `json:"updated"`
}

// BinaryKey возвращает ключ объекта в хранилище: {id}.{extension}.
// Пустая строка, если бинарный файл не подтверждён.
func (i *Image) BinaryKey() string {
	if i.Extension == nil {
		return ""
	}
	return i.ID + "." + *i.Extension
}
