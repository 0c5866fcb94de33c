package billing

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PreNoticePrefix marks a reminder for a charge due tomorrow. The composer
// itself is notice-type-agnostic; the dispatcher prepends this.
const PreNoticePrefix = "*PRÉ-AVISO*\n\n"

const fallbackSignOff = "Equipe de Cobranças"

// ComposeReminder builds the reminder text for one record.
//
// The template mirrors what customers already receive: amount, computed due
// date, description, and the tenant's PIX details when on file.
func ComposeReminder(cust Customer, rec Record, info PaymentInfo, today time.Time) string {
	due := NextDueDate(rec.DayOfMonth, today)

	var b strings.Builder
	b.WriteString("*AVISO DE COBRANÇA*\n\n")
	b.WriteString("Olá " + cust.Name + ",\n\n")
	b.WriteString("Este é um lembrete sobre o pagamento no valor de " + FormatBRL(rec.Amount) +
		" com vencimento em " + due.Format("02/01/2006") + ".\n\n")
	b.WriteString("Descrição: " + rec.Description + "\n")

	if info.PixKey != "" {
		b.WriteString("\n*Dados para pagamento via PIX:*\n")
		b.WriteString("Chave PIX: " + info.PixKey + "\n")
		b.WriteString("Titular: " + info.Name + "\n")
		if info.TaxID != "" {
			b.WriteString("CPF/CNPJ: " + info.TaxID + "\n")
		}
	}

	b.WriteString("\nPor favor, desconsidere caso o pagamento já tenha sido efetuado.\n\n")
	signOff := info.Name
	if signOff == "" {
		signOff = fallbackSignOff
	}
	b.WriteString("Atenciosamente,\n" + signOff)

	return b.String()
}

// FormatBRL renders an amount in pt-BR currency notation (R$ 1.234,56).
func FormatBRL(v decimal.Decimal) string {
	neg := v.IsNegative()
	s := v.Abs().StringFixed(2) // "1234.56"

	intPart, fracPart, _ := strings.Cut(s, ".")

	var b strings.Builder
	if neg {
		b.WriteString("-")
	}
	b.WriteString("R$ ")
	for i, d := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(d)
	}
	b.WriteByte(',')
	b.WriteString(fracPart)
	return b.String()
}
