// Package handlers содержит реестр обработчиков шагов и встроенные обработчики.
//
// Обработчик адресуется парой (type, slug): fetch/http_fetch, process/script,
// publish/webhook, update/http_update. Engine разрешает обработчики
// через Registry до запуска первого шага.
//
// Обработчик получает копию всей истории пакетов job и возвращает
// только новые пакеты. Некритичные ошибки по отдельным элементам
// возвращаются в Response.Errors, критичная ошибка шага — через error.
package handlers
