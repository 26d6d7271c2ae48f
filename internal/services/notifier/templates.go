package notifier

import (
	"bytes"
	"html/template"

	"github.com/pkg/errors"

	"github.com/simshop/shipflow/internal/models"
)

type templateData struct {
	CustomerName string
	OrderShortID string
	TrackNumber  string
}

type emailTemplate struct {
	subject string
	body    *template.Template
}

// Шаблоны писем по новому статусу заказа. Статус без шаблона — не ошибка:
// не про каждый переход клиенту пишут.
var emailTemplates = map[string]emailTemplate{
	models.OrderStatusProcessing: {
		subject: "Estamos preparando tu pedido #{{.OrderShortID}}",
		body: template.Must(template.New("processing").Parse(`<p>Hola {{.CustomerName}},</p>
<p>Hemos recibido el pago de tu pedido <b>#{{.OrderShortID}}</b> y ya lo estamos preparando.</p>
{{if .TrackNumber}}<p>Numero de seguimiento: <b>{{.TrackNumber}}</b></p>{{end}}
<p>Te avisaremos cuando salga de nuestro almacen.</p>`)),
	},
	models.OrderStatusShipped: {
		subject: "Tu pedido #{{.OrderShortID}} esta en camino",
		body: template.Must(template.New("shipped").Parse(`<p>Hola {{.CustomerName}},</p>
<p>Tu pedido <b>#{{.OrderShortID}}</b> ha salido de nuestro almacen.</p>
{{if .TrackNumber}}<p>Puedes seguirlo con el numero <b>{{.TrackNumber}}</b>.</p>{{end}}`)),
	},
	models.OrderStatusDelivered: {
		subject: "Tu pedido #{{.OrderShortID}} ha sido entregado",
		body: template.Must(template.New("delivered").Parse(`<p>Hola {{.CustomerName}},</p>
<p>Tu pedido <b>#{{.OrderShortID}}</b> ha sido entregado.</p>
<p>Gracias por tu compra.</p>`)),
	},
	models.OrderStatusCancelled: {
		subject: "Tu pedido #{{.OrderShortID}} ha sido cancelado",
		body: template.Must(template.New("cancelled").Parse(`<p>Hola {{.CustomerName}},</p>
<p>Tu pedido <b>#{{.OrderShortID}}</b> ha sido cancelado.</p>
<p>Si no has solicitado la cancelacion, responde a este correo.</p>`)),
	},
}

// renderEmail: (subject, body, ok). ok=false — для статуса письма нет.
func renderEmail(newStatus string, data templateData) (string, string, bool, error) {
	tpl, ok := emailTemplates[newStatus]
	if !ok {
		return "", "", false, nil
	}

	subjTpl, err := template.New("subject").Parse(tpl.subject)
	if err != nil {
		return "", "", false, errors.Wrap(err, "parse subject")
	}
	var subj bytes.Buffer
	if err := subjTpl.Execute(&subj, data); err != nil {
		return "", "", false, errors.Wrap(err, "render subject")
	}

	var body bytes.Buffer
	if err := tpl.body.Execute(&body, data); err != nil {
		return "", "", false, errors.Wrap(err, "render body")
	}

	return subj.String(), body.String(), true, nil
}
