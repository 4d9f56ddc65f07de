package domain

var Tables = []interface{}{
	&WhatsAppSession{},
	&WhatsAppSessionEvent{},
}
